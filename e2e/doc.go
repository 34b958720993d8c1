//go:build e2e

// Package e2e runs the call scenarios against a real Chrome and the callsim
// stand-in app.
//
// These tests are isolated from the standard test suite via build tags.
// They require a Chrome browser (auto-downloaded by Rod if not present)
// and are intended for CI pipelines or explicit local testing.
//
// Running E2E tests:
//
//	go test -tags=e2e ./e2e/...
//
// Running all tests except E2E:
//
//	go test ./...
//
// E2E tests use:
//   - Rod for browser automation through browser.RodDriver
//   - the callsim server for the join endpoint and channel rosters
//   - session.Manager to create calls and users
//
// Set E2E_BASE_URL to run against a deployed app instead of callsim; the
// credentials then come from AGORA_APP_ID, AGORA_TOKEN and AGORA_CHANNEL.
//
// Test isolation:
// Each test starts its own server on a random port and uses its own
// channel. Browser processes are shared per media source.
package e2e
