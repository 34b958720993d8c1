// Package health runs named readiness checks against a freshly opened page
// before a participant joins.
package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
)

// Check inspects a page and returns an error if it is not usable.
type Check func(ctx context.Context, page browser.Page) error

// NamedCheck pairs a check with the name reported on failure.
type NamedCheck struct {
	Name  string
	Check Check
}

// CheckError reports the first failing check.
type CheckError struct {
	Name string
	Err  error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("health check %q failed: %v", e.Name, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// Registry is an ordered list of checks. The zero value is empty and usable.
type Registry struct {
	mu     sync.RWMutex
	checks []NamedCheck
}

// NewRegistry returns a registry holding checks in order.
func NewRegistry(checks ...NamedCheck) *Registry {
	return &Registry{checks: append([]NamedCheck(nil), checks...)}
}

// Default returns a registry with the camera and microphone permission checks.
func Default() *Registry {
	return NewRegistry(
		NamedCheck{Name: "camera-permission", Check: PermissionGranted(browser.PermissionCamera)},
		NamedCheck{Name: "microphone-permission", Check: PermissionGranted(browser.PermissionMicrophone)},
	)
}

// Add appends a check and returns r for chaining.
func (r *Registry) Add(name string, check Check) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, NamedCheck{Name: name, Check: check})
	return r
}

// Checks returns a copy of the registered checks.
func (r *Registry) Checks() []NamedCheck {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]NamedCheck(nil), r.checks...)
}

// Run executes the checks in order and stops at the first failure.
func (r *Registry) Run(ctx context.Context, page browser.Page) error {
	for _, c := range r.Checks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Check(ctx, page); err != nil {
			return &CheckError{Name: c.Name, Err: err}
		}
	}
	return nil
}

const permissionStateJS = `(name) => navigator.permissions.query({ name }).then(s => s.state === 'granted')`

// PermissionGranted checks that the page holds the named permission.
func PermissionGranted(name string) Check {
	return func(ctx context.Context, page browser.Page) error {
		res, err := page.Eval(ctx, permissionStateJS, name)
		if err != nil {
			return fmt.Errorf("failed to query %s permission: %w", name, err)
		}
		if !res.Bool() {
			return fmt.Errorf("%s permission not granted", name)
		}
		return nil
	}
}
