package health

// Checker reports whether a component is able to do its job. A nil error means healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to the Checker interface
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}
