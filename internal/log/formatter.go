// Package log configures the process-wide logrus formatter.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is used by both formatters
const TimestampFormat = time.RFC3339Nano

// NewFormatter returns a JSON formatter for machine consumption or a text formatter with
// full timestamps for terminals
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: TimestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyMsg: "message",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  TimestampFormat,
		QuoteEmptyFields: true,
	}
}
