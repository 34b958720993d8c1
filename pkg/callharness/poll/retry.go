package poll

// Retryable marks err as "not converged yet" so Until retries it. The
// original error stays reachable with errors.As.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &MismatchError{Msg: err.Error(), Err: err}
}
