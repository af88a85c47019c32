package mqtt

import "fmt"

// TimeoutError reports a token that did not complete in time.
type TimeoutError struct {
	Topic string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mqtt: timed out on %s", e.Topic)
}

func errTimeout(topic string) error {
	return &TimeoutError{Topic: topic}
}
