package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

// UserID is the numeric participant id typed into the join form.
type UserID int

func (id UserID) String() string { return strconv.Itoa(int(id)) }

// User is a simulated participant. MediaSource is the path of the fake
// camera file; empty means "draw one from the manager's pool".
type User struct {
	ID          UserID
	DisplayName string
	MediaSource string
}

func (u User) String() string {
	if u.DisplayName == "" {
		return fmt.Sprintf("ID: %d", u.ID)
	}
	return fmt.Sprintf("%s (ID: %d)", u.DisplayName, u.ID)
}

// CallConfig identifies the call every participant joins.
type CallConfig struct {
	AppID   string
	Token   string
	Channel string
}

// String omits the token.
func (c CallConfig) String() string {
	return fmt.Sprintf("app=%s channel=%s", c.AppID, c.Channel)
}

// UserSession is one joined participant and the browser resources it owns.
type UserSession struct {
	User     User
	Context  browser.Context
	Page     browser.Page
	UI       ui.Participant
	JoinedAt time.Time
}

// Fixture media shipped in <videos>/predefinedUsers.
var predefined = []User{
	{ID: 10101, DisplayName: "Bob", MediaSource: "foreman_qcif.y4m"},
	{ID: 20202, DisplayName: "Alice", MediaSource: "akiyo_qcif.y4m"},
	{ID: 30303, DisplayName: "Claire", MediaSource: "claire_qcif.y4m"},
	{ID: 40404, DisplayName: "MissAm", MediaSource: "miss_am_qcif.y4m"},
}

// PredefinedUsers returns the fixture users with media resolved under
// videosDir.
func PredefinedUsers(videosDir string) []User {
	out := make([]User, len(predefined))
	for i, u := range predefined {
		u.MediaSource = filepath.Join(videosDir, "predefinedUsers", u.MediaSource)
		out[i] = u
	}
	return out
}

// PredefinedUser looks a fixture user up by display name (case-insensitive).
func PredefinedUser(videosDir, name string) (User, bool) {
	for _, u := range PredefinedUsers(videosDir) {
		if strings.EqualFold(u.DisplayName, name) {
			return u, true
		}
	}
	return User{}, false
}

// LoadMediaPool lists the .y4m files directly inside dir, sorted.
func LoadMediaPool(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read media dir: %w", err)
	}
	var pool []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".y4m") {
			continue
		}
		pool = append(pool, filepath.Join(dir, e.Name()))
	}
	sort.Strings(pool)
	return pool, nil
}
