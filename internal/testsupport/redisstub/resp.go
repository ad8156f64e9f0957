package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Reply values handed back by command handlers. Plain strings encode as
// bulk strings and []any as arrays.
type (
	status   string
	respErr  string
	nilReply struct{}
)

func errorf(format string, args ...any) respErr {
	return respErr(fmt.Sprintf(format, args...))
}

func wrongArity(name string) respErr {
	return errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
}

type respConn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newRESPConn(conn net.Conn) *respConn {
	return &respConn{r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// readCommand reads one client command, which go-redis always sends as an
// array of bulk strings.
func (c *respConn) readCommand() ([]string, error) {
	n, err := c.header('*')
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, max(n, 0))
	for i := 0; i < n; i++ {
		size, err := c.header('$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (c *respConn) header(prefix byte) (int, error) {
	got, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if got != prefix {
		return 0, fmt.Errorf("expected %q, got %q", prefix, got)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func (c *respConn) reply(v any) error {
	if err := encode(c.w, v); err != nil {
		return err
	}
	return c.w.Flush()
}

func encode(w *bufio.Writer, v any) error {
	var err error
	switch v := v.(type) {
	case status:
		_, err = fmt.Fprintf(w, "+%s\r\n", v)
	case respErr:
		_, err = fmt.Fprintf(w, "-%s\r\n", v)
	case nilReply:
		_, err = w.WriteString("*-1\r\n")
	case int:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return encode(w, items)
	case []any:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := encode(w, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("redisstub: cannot encode %T", v)
	}
	return err
}
