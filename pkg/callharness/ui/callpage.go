package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/poll"
	"github.com/thesyncim/callharness/pkg/callharness/snapshot"
)

// leaveIntervals is the schedule used while waiting for the local player to
// disappear. It is a plain wait, so it polls faster than the assertions.
var leaveIntervals = []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond}

// CallPage is the Participant for the demo call-entry page. A CallPage
// belongs to one page and is not safe for concurrent use.
type CallPage struct {
	page browser.Page
	s    *settings

	joinedID string
	lastAck  *browser.Response
}

var _ Participant = (*CallPage)(nil)

// Page returns the underlying page.
func (c *CallPage) Page() browser.Page { return c.page }

// LastAck returns the ack response of the most recent Join, or nil.
func (c *CallPage) LastAck() *browser.Response { return c.lastAck }

// EntryURL is the URL Join navigates to.
func (c *CallPage) EntryURL() string {
	return c.s.baseURL + c.s.markup.EntryPath
}

// Join fills the form and clicks join while waiting for the ack response.
// A non-2xx ack still completes Join; the caller verifies the outcome through
// the success alert and local video.
func (c *CallPage) Join(ctx context.Context, p JoinParams) error {
	m := c.s.markup
	url := c.EntryURL()
	logger := c.s.logger.With().Str("channel", p.Channel).Str("uid", p.UserID).Logger()

	if err := c.page.Navigate(ctx, url); err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}

	fields := []struct{ selector, value string }{
		{m.AppIDInput, p.AppID},
		{m.TokenInput, p.Token},
		{m.ChannelInput, p.Channel},
	}
	if p.UserID != "" {
		fields = append(fields, struct{ selector, value string }{m.UserIDInput, p.UserID})
	}
	for _, f := range fields {
		if err := c.page.Fill(ctx, f.selector, f.value); err != nil {
			return fmt.Errorf("failed to fill %s: %w", f.selector, err)
		}
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.s.timeouts.Join)
	defer cancel()

	g, gctx := errgroup.WithContext(joinCtx)
	// Register the listener before clicking so a fast ack is not missed.
	wait := c.page.WaitResponse(gctx, c.s.ack)
	var ack *browser.Response
	g.Go(func() error {
		r, err := wait()
		ack = r
		return err
	})
	g.Go(func() error {
		if err := c.page.Click(gctx, m.JoinButton); err != nil {
			return fmt.Errorf("failed to click join: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil && errors.Is(joinCtx.Err(), context.DeadlineExceeded) {
			return &JoinTimeoutError{ParticipantID: p.UserID, Timeout: c.s.timeouts.Join, Err: err}
		}
		return err
	}

	c.lastAck = ack
	c.joinedID = p.UserID
	if ack.Status < 200 || ack.Status > 299 {
		logger.Warn().Int("status", ack.Status).Str("url", ack.URL).Msg("Join acknowledged with error status")
	} else {
		logger.Debug().Int("status", ack.Status).Msg("Join acknowledged")
	}
	return nil
}

// Leave clicks leave if it is shown and waits for the local player to go.
func (c *CallPage) Leave(ctx context.Context) error {
	m := c.s.markup
	shown, err := c.anyVisible(ctx, m.LeaveButton)
	if err != nil {
		return fmt.Errorf("failed to query leave control: %w", err)
	}
	if !shown {
		c.s.logger.Debug().Str("uid", c.joinedID).Msg("Leave control not shown, nothing to do")
		return nil
	}

	if err := c.page.Click(ctx, m.LeaveButton); err != nil {
		return fmt.Errorf("failed to click leave: %w", err)
	}

	err = poll.Until(ctx, func(ctx context.Context) error {
		visible, err := c.anyVisible(ctx, m.LocalVideo)
		if err != nil {
			return err
		}
		if visible {
			return poll.Mismatchf("local video still shown")
		}
		return nil
	}, poll.Options{Timeout: c.s.timeouts.Leave, Intervals: leaveIntervals})

	var te *poll.TimeoutError
	if errors.As(err, &te) {
		return &LeaveTimeoutError{ParticipantID: c.joinedID, Timeout: c.s.timeouts.Leave, Err: err}
	}
	if err != nil {
		return err
	}
	c.joinedID = ""
	return nil
}

// ExpectSuccessAlert waits for the alert announcing a successful join.
func (c *CallPage) ExpectSuccessAlert(ctx context.Context) error {
	m := c.s.markup
	return c.until(ctx, c.s.timeouts.Present, func(ctx context.Context) error {
		els, err := c.page.Elements(ctx, m.SuccessAlert)
		if err != nil {
			return err
		}
		for _, el := range els {
			visible, err := el.Visible(ctx)
			if err != nil || !visible {
				continue
			}
			text, err := el.Text(ctx)
			if err == nil && strings.Contains(text, m.SuccessText) {
				return nil
			}
		}
		return poll.Mismatchf("alert %q not shown (%d alert elements)", m.SuccessText, len(els))
	})
}

// IsVideoElementActive reports whether el is visible, has enough data to
// play, has non-zero video dimensions and is not paused.
func (c *CallPage) IsVideoElementActive(ctx context.Context, el browser.Element) (bool, browser.VideoState, error) {
	st, err := el.VideoState(ctx)
	if err != nil {
		return false, st, err
	}
	active := st.Visible &&
		st.ReadyState >= c.s.minReady &&
		st.Width > 0 && st.Height > 0 &&
		!st.Paused
	return active, st, nil
}

// ExpectLocalVideoCount waits until exactly n local videos are playing.
func (c *CallPage) ExpectLocalVideoCount(ctx context.Context, n int, timeout time.Duration) error {
	return c.expectVideos(ctx, "local", c.s.markup.LocalVideo, n, c.present(timeout))
}

// ExpectRemoteVideoCount waits until exactly n remote videos are playing.
func (c *CallPage) ExpectRemoteVideoCount(ctx context.Context, n int, timeout time.Duration) error {
	return c.expectVideos(ctx, "remote", c.s.markup.RemoteVideo, n, c.present(timeout))
}

// ExpectNoLocalVideo waits until no local video is visible.
func (c *CallPage) ExpectNoLocalVideo(ctx context.Context, timeout time.Duration) error {
	return c.expectNoVideo(ctx, "local", c.s.markup.LocalVideo, c.absent(timeout))
}

// ExpectNoRemoteVideo waits until no remote video is visible.
func (c *CallPage) ExpectNoRemoteVideo(ctx context.Context, timeout time.Duration) error {
	return c.expectNoVideo(ctx, "remote", c.s.markup.RemoteVideo, c.absent(timeout))
}

// ExpectRemoteParticipantVideo waits until the video of participant id is
// playing (present) or not playing (!present).
func (c *CallPage) ExpectRemoteParticipantVideo(ctx context.Context, id string, present bool, timeout time.Duration) error {
	sel := fmt.Sprintf(c.s.markup.RemoteVideoFormat, id)
	label := "remote " + id
	if !present {
		return c.expectNoVideo(ctx, label, sel, c.absent(timeout))
	}
	return c.until(ctx, c.present(timeout), func(ctx context.Context) error {
		els, err := c.page.Elements(ctx, sel)
		if err != nil {
			return err
		}
		if len(els) == 0 {
			return poll.Mismatchf("no %s video", label)
		}
		return c.checkActive(ctx, label, els)
	})
}

// ActiveRemoteParticipantIDs lists the remote player containers on the page.
func (c *CallPage) ActiveRemoteParticipantIDs(ctx context.Context) ([]string, error) {
	m := c.s.markup
	els, err := c.page.Elements(ctx, m.RemoteWrappers)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote participants: %w", err)
	}
	ids := make([]string, 0, len(els))
	for _, el := range els {
		id, ok, err := el.Attribute(ctx, "id")
		if err != nil || !ok {
			continue
		}
		if uid := strings.TrimPrefix(id, m.RemoteWrapperPrefix); uid != "" && uid != id {
			ids = append(ids, uid)
		}
	}
	return ids, nil
}

// ActiveLocalParticipantIDs returns the local participant id when the local
// player is rendered. The id comes from the player's data-uid and falls back
// to the id used for Join.
func (c *CallPage) ActiveLocalParticipantIDs(ctx context.Context) ([]string, error) {
	els, err := c.page.Elements(ctx, c.s.markup.LocalWrapper)
	if err != nil {
		return nil, fmt.Errorf("failed to list local participant: %w", err)
	}
	var ids []string
	for _, el := range els {
		if uid, ok, err := el.Attribute(ctx, "data-uid"); err == nil && ok && uid != "" {
			ids = append(ids, uid)
		} else if c.joinedID != "" {
			ids = append(ids, c.joinedID)
		}
	}
	return ids, nil
}

// CaptureGridSnapshot screenshots the local player when alone, otherwise the
// whole video grid, and compares it with the baseline video-grid-<label>.
// Differences are retried until the present timeout so that frames can settle.
func (c *CallPage) CaptureGridSnapshot(ctx context.Context, label string) error {
	if c.s.snapshots == nil {
		return errors.New("snapshots not configured")
	}
	if label == "" {
		label = "snapshot"
	}
	name := "video-grid-" + label

	return c.until(ctx, c.s.timeouts.Present, func(ctx context.Context) error {
		remotes, err := c.ActiveRemoteParticipantIDs(ctx)
		if err != nil {
			return err
		}
		sel := c.s.markup.VideoGrid
		if len(remotes) == 0 {
			sel = c.s.markup.LocalVideo
		}
		els, err := c.page.Elements(ctx, sel)
		if err != nil {
			return err
		}
		if len(els) == 0 {
			return poll.Mismatchf("nothing to capture at %s", sel)
		}
		shot, err := els[0].Screenshot(ctx)
		if err != nil {
			return poll.Retryable(fmt.Errorf("failed to capture %s: %w", sel, err))
		}

		err = c.s.snapshots.Compare(name, shot)
		var mismatch *snapshot.MismatchError
		if errors.As(err, &mismatch) {
			return poll.Retryable(err)
		}
		return err
	})
}

func (c *CallPage) expectVideos(ctx context.Context, label, selector string, n int, timeout time.Duration) error {
	return c.until(ctx, timeout, func(ctx context.Context) error {
		els, err := c.page.Elements(ctx, selector)
		if err != nil {
			return err
		}
		if len(els) != n {
			return poll.Mismatchf("expected %d %s video(s), found %d", n, label, len(els))
		}
		return c.checkActive(ctx, label, els)
	})
}

func (c *CallPage) checkActive(ctx context.Context, label string, els []browser.Element) error {
	for i, el := range els {
		active, st, err := c.IsVideoElementActive(ctx, el)
		if err != nil {
			// Elements can be replaced between query and read.
			return poll.Mismatchf("%s video %d unreadable: %v", label, i, err)
		}
		if !active {
			return poll.Mismatchf("%s video %d not playing: %s", label, i, st)
		}
	}
	return nil
}

func (c *CallPage) expectNoVideo(ctx context.Context, label, selector string, timeout time.Duration) error {
	return c.until(ctx, timeout, func(ctx context.Context) error {
		els, err := c.page.Elements(ctx, selector)
		if err != nil {
			return err
		}
		for i, el := range els {
			active, st, err := c.IsVideoElementActive(ctx, el)
			if err != nil {
				return poll.Mismatchf("%s video %d unreadable: %v", label, i, err)
			}
			if active {
				return poll.Mismatchf("%s video %d still playing: %s", label, i, st)
			}
		}
		return nil
	})
}

func (c *CallPage) anyVisible(ctx context.Context, selector string) (bool, error) {
	els, err := c.page.Elements(ctx, selector)
	if err != nil {
		return false, err
	}
	for _, el := range els {
		if ok, err := el.Visible(ctx); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *CallPage) until(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return poll.Until(ctx, fn, poll.Options{Timeout: timeout, Intervals: c.s.intervals})
}

func (c *CallPage) present(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.s.timeouts.Present
	}
	return timeout
}

func (c *CallPage) absent(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.s.timeouts.Absent
	}
	return timeout
}
