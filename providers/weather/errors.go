package weather

import "fmt"

// Op identifies which upstream request failed.
type Op string

const (
	OpPoints   Op = "points"
	OpForecast Op = "forecast"
)

// APIError reports a failed request or an undecodable response.
type APIError struct {
	Op  Op
	Err error
}

func (e *APIError) Error() string { return fmt.Sprintf("weather %s: %v", e.Op, e.Err) }

func (e *APIError) Unwrap() error { return e.Err }

// InvalidURLError reports that the URL for a request could not be built.
type InvalidURLError struct {
	Op  Op
	URL string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("weather %s: invalid url %q", e.Op, e.URL)
}
