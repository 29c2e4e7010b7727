package errors

// WrapOpComponent wraps an error with consistent Op and Component propagation.
// If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return &SyncError{Op: op, Component: component, Err: err}
}

// WrapOpComponentKind wraps an error with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op Operation, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	retryable := kind == KindConnectivity
	return &SyncError{Op: op, Component: component, Kind: kind, Err: err, Retryable: retryable}
}
