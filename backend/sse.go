package backend

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// sseEvent 一个以空行结束的 SSE 事件。
type sseEvent struct {
	ID   string
	Type string
	// Data 为所有 data 行以 "\n" 连接后的内容。
	Data string
}

// sseReader 逐个读取 SSE 事件，忽略注释行与 retry 字段。
type sseReader struct {
	reader  *bufio.Reader
	current sseEvent
	hasData bool
	// dataLines 当前事件已读到的 data 行数，空行也计数。
	dataLines int
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// next 返回下一个事件，流结束时返回 io.EOF。
// 没有以空行结尾的最后一个事件仍会被返回。
func (r *sseReader) next() (*sseEvent, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		eof := err != nil

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if r.hasData {
				return r.flush(), nil
			}
			if eof {
				return nil, io.EOF
			}
			continue
		}
		if !strings.HasPrefix(line, ":") {
			r.parseLine(line)
		}
		if eof {
			if r.hasData {
				return r.flush(), nil
			}
			return nil, io.EOF
		}
	}
}

func (r *sseReader) parseLine(line string) {
	field, value, ok := strings.Cut(line, ":")
	if ok {
		value = strings.TrimPrefix(value, " ")
	} else {
		field = line
	}

	switch field {
	case "data":
		if r.dataLines > 0 {
			r.current.Data += "\n"
		}
		r.current.Data += value
		r.dataLines++
		r.hasData = true
	case "event":
		r.current.Type = value
		r.hasData = true
	case "id":
		r.current.ID = value
		r.hasData = true
	}
}

func (r *sseReader) flush() *sseEvent {
	ev := r.current
	r.current = sseEvent{}
	r.hasData = false
	r.dataLines = 0
	return &ev
}
