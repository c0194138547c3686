// Package sse reads and writes the query stream's server-sent event frames.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/pkg/logger"
	"github.com/capitalize-ai/querystream/pkg/metrics"
)

const (
	dataPrefix   = "data:"
	maxFrameLine = 4 * 1024 * 1024
)

// Decoder turns a text/event-stream body into typed stream events in
// arrival order. It is not restartable; open a new connection per query.
type Decoder struct {
	reader *bufio.Reader
	logger *logger.Logger
	done   bool
}

// NewDecoder creates a decoder reading frames from r.
func NewDecoder(r io.Reader, log *logger.Logger) *Decoder {
	return &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: log,
	}
}

// Next returns the next event. It returns io.EOF once the source is
// exhausted or a terminal event has already been returned. Malformed
// frames are logged and skipped.
func (d *Decoder) Next() (model.StreamEvent, error) {
	if d.done {
		return nil, io.EOF
	}

	for {
		payload, ok, err := d.readFrame()
		if err != nil {
			d.done = true
			return nil, err
		}
		if !ok {
			continue
		}

		ev, ok := d.decode(payload)
		if !ok {
			continue
		}

		metrics.StreamEventsTotal.WithLabelValues(string(ev.Kind())).Inc()
		if model.Terminal(ev) {
			d.done = true
		}
		return ev, nil
	}
}

// readFrame consumes lines up to the next blank line. ok is false when the
// frame carried no data line or was too large.
func (d *Decoder) readFrame() (payload string, ok bool, err error) {
	var data []string
	sawLine, tooLarge := false, false

	for {
		line, long, err := d.readLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", false, err
		}

		if line == "" && !long {
			if !sawLine {
				continue
			}
			return d.frameResult(data, tooLarge)
		}
		sawLine = true

		if long {
			tooLarge = true
			continue
		}
		if !tooLarge && strings.HasPrefix(line, dataPrefix) {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " "))
		}
	}

	if sawLine {
		// Trailing frame without the final blank line.
		payload, ok, _ = d.frameResult(data, tooLarge)
		if ok {
			return payload, true, nil
		}
	}
	return "", false, io.EOF
}

// readLine returns the next line without its terminator. A line longer
// than maxFrameLine is consumed and discarded, and long is set.
func (d *Decoder) readLine() (line string, long bool, err error) {
	var buf []byte
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if !long {
			if len(buf)+len(chunk) > maxFrameLine {
				long, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(buf) > 0 || long):
		case err != nil:
			return "", false, err
		}

		line = strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
		return line, long, nil
	}
}

func (d *Decoder) frameResult(data []string, tooLarge bool) (string, bool, error) {
	if tooLarge {
		d.drop("too_large", "", zap.Int("limit", maxFrameLine))
		return "", false, nil
	}
	if len(data) == 0 {
		d.drop("no_data", "")
		return "", false, nil
	}
	return strings.Join(data, "\n"), true, nil
}

func (d *Decoder) decode(payload string) (model.StreamEvent, bool) {
	var frame model.StreamFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		d.drop("invalid_json", payload, zap.Error(err))
		return nil, false
	}

	ev, ok := frame.Event()
	if !ok {
		d.drop("unknown_type", payload, zap.String("type", string(frame.Type)))
		return nil, false
	}
	return ev, true
}

func (d *Decoder) drop(reason, payload string, fields ...zap.Field) {
	metrics.StreamFramesDropped.WithLabelValues(reason).Inc()
	if len(payload) > 256 {
		payload = payload[:256]
	}
	d.logger.Warn("dropping stream frame",
		append(fields, zap.String("reason", reason), zap.String("payload", payload))...)
}
