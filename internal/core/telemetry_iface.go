package core

// Reporter forwards errors to an error-tracking sink.
type Reporter interface {
	Report(err error, tags map[string]string)
}

// NopReporter drops everything.
type NopReporter struct{}

func (NopReporter) Report(error, map[string]string) {}
