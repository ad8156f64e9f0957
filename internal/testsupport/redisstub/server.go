// Package redisstub is a small RESP2 server implementing the stream commands
// the transcode queue uses and the counter commands the init rate limiter
// uses, for tests that should not depend on a real Redis.
package redisstub

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	password string
	listener net.Listener

	mu      sync.Mutex
	streams map[string]*stream
	counter map[string]*counter
	seq     int64

	closeOnce sync.Once
	closed    chan struct{}
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	fields []string
}

// group tracks a consumer group's read cursor and its pending entries list.
type group struct {
	cursor  int
	pending map[string]*delivery
}

type delivery struct {
	consumer string
	at       time.Time
	count    int
}

type counter struct {
	value   int64
	expires time.Time
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		password: opts.Password,
		listener: ln,
		streams:  make(map[string]*stream),
		counter:  make(map[string]*counter),
		closed:   make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.listener.Close()
	})
	return nil
}

// Len reports the number of entries ever added to name.
func (s *Server) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		return len(st.entries)
	}
	return 0
}

// Pending reports entries delivered to groupName and not yet acknowledged.
func (s *Server) Pending(name, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.lookupGroup(name, groupName); g != nil {
		return len(g.pending)
	}
	return 0
}

// Field returns a field of the n-th entry of name, or "".
func (s *Server) Field(name string, n int, field string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok || n < 0 || n >= len(st.entries) {
		return ""
	}
	fields := st.entries[n].fields
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == field {
			return fields[i+1]
		}
	}
	return ""
}

// AgePending moves every pending delivery d into the past so visibility
// timeouts expire without sleeping.
func (s *Server) AgePending(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		for _, g := range st.groups {
			for _, p := range g.pending {
				p.at = p.at.Add(-d)
			}
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go s.serveConn(conn)
	}
}

// command is a handler plus its Redis-style arity: positive means exactly
// that many arguments including the name, negative means at least that many.
type command struct {
	arity int
	run   func(s *Server, args []string) any
}

var commands = map[string]command{
	"PING":       {-1, func(*Server, []string) any { return status("PONG") }},
	"SELECT":     {2, func(*Server, []string) any { return status("OK") }},
	"CLIENT":     {-2, func(*Server, []string) any { return status("OK") }},
	"XADD":       {-5, (*Server).xadd},
	"XGROUP":     {-5, (*Server).xgroup},
	"XREADGROUP": {-7, (*Server).xreadgroup},
	"XAUTOCLAIM": {-6, (*Server).xautoclaim},
	"XACK":       {-4, (*Server).xack},
	"XLEN":       {2, func(s *Server, args []string) any { return s.Len(args[1]) }},
	"INCR":       {2, (*Server).incr},
	"EXPIRE":     {3, (*Server).expire},
	"TTL":        {2, (*Server).ttl},
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	c := newRESPConn(conn)
	authed := s.password == ""
	for {
		args, err := c.readCommand()
		if err != nil {
			return
		}
		if c.reply(s.handle(&authed, args)) != nil {
			return
		}
	}
}

func (s *Server) handle(authed *bool, args []string) any {
	if len(args) == 0 {
		return respErr("ERR empty command")
	}
	name := strings.ToUpper(args[0])
	switch name {
	case "HELLO":
		// RESP2 only; go-redis falls back to AUTH.
		return errorf("ERR unknown command '%s'", args[0])
	case "AUTH":
		if len(args) < 2 || len(args) > 3 {
			return wrongArity(name)
		}
		if s.password != "" && args[len(args)-1] != s.password {
			return respErr("WRONGPASS invalid username-password pair or user is disabled.")
		}
		*authed = true
		return status("OK")
	}
	if !*authed {
		return respErr("NOAUTH Authentication required.")
	}
	cmd, ok := commands[name]
	if !ok {
		return errorf("ERR unknown command '%s'", args[0])
	}
	if (cmd.arity > 0 && len(args) != cmd.arity) || (cmd.arity < 0 && len(args) < -cmd.arity) {
		return wrongArity(name)
	}
	return cmd.run(s, args)
}

// lookupGroup expects s.mu to be held.
func (s *Server) lookupGroup(name, groupName string) *group {
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	return st.groups[groupName]
}

// streamLocked expects s.mu to be held.
func (s *Server) streamLocked(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

// XADD key id field value [field value ...]
func (s *Server) xadd(args []string) any {
	if len(args)%2 == 0 {
		return wrongArity("XADD")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := args[2]
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	st := s.streamLocked(args[1])
	st.entries = append(st.entries, entry{id: id, fields: append([]string(nil), args[3:]...)})
	return id
}

// XGROUP CREATE key group id [MKSTREAM]
func (s *Server) xgroup(args []string) any {
	if !strings.EqualFold(args[1], "CREATE") {
		return errorf("ERR XGROUP %s not supported", args[1])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(args[2])
	if _, exists := st.groups[args[3]]; exists {
		return respErr("BUSYGROUP Consumer Group name already exists")
	}
	g := &group{pending: make(map[string]*delivery)}
	if args[4] == "$" {
		g.cursor = len(st.entries)
	}
	st.groups[args[3]] = g
	return status("OK")
}

// XREADGROUP GROUP g consumer [COUNT n] [BLOCK ms] STREAMS key >
func (s *Server) xreadgroup(args []string) any {
	var groupName, consumer, name string
	count, block := 1, 0
	for i := 1; i < len(args); i++ {
		option := strings.ToUpper(args[i])
		switch {
		case option == "GROUP" && i+2 < len(args):
			groupName, consumer = args[i+1], args[i+2]
			i += 2
		case (option == "COUNT" || option == "BLOCK") && i+1 < len(args):
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return errorf("ERR invalid %s", option)
			}
			if option == "COUNT" {
				count = v
			} else {
				block = v
			}
			i++
		case option == "STREAMS" && i+1 < len(args):
			name = args[i+1]
			i = len(args)
		default:
			return respErr("ERR syntax error")
		}
	}
	if name == "" || groupName == "" {
		return respErr("ERR syntax error")
	}

	deadline := time.Now().Add(time.Duration(block) * time.Millisecond)
	for {
		records, err := s.deliverNew(name, groupName, consumer, count)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			return []any{[]any{name, records}}
		}
		if block <= 0 || time.Now().After(deadline) {
			return nilReply{}
		}
		select {
		case <-s.closed:
			return nilReply{}
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) deliverNew(name, groupName, consumer string, count int) ([]any, any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookupGroup(name, groupName)
	if g == nil {
		return nil, respErr("NOGROUP No such key or consumer group")
	}
	entries := s.streams[name].entries
	end := len(entries)
	if count > 0 && g.cursor+count < end {
		end = g.cursor + count
	}
	records := make([]any, 0, end-g.cursor)
	now := time.Now()
	for _, e := range entries[g.cursor:end] {
		g.pending[e.id] = &delivery{consumer: consumer, at: now, count: 1}
		records = append(records, record(e))
	}
	g.cursor = end
	return records, nil
}

// XAUTOCLAIM key group consumer min-idle start [COUNT n], answered in the
// Redis 7 three-element shape.
func (s *Server) xautoclaim(args []string) any {
	name, groupName, consumer := args[1], args[2], args[3]
	minIdle, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return respErr("ERR Invalid min-idle-time argument for XAUTOCLAIM")
	}
	count := 100
	if len(args) >= 8 && strings.EqualFold(args[6], "COUNT") {
		if v, err := strconv.Atoi(args[7]); err == nil {
			count = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookupGroup(name, groupName)
	if g == nil {
		return respErr("NOGROUP No such key or consumer group")
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now()
	cutoff := now.Add(-time.Duration(minIdle) * time.Millisecond)
	claimed := make([]any, 0)
	for _, id := range ids {
		if len(claimed) >= count {
			break
		}
		p := g.pending[id]
		if p.at.After(cutoff) {
			continue
		}
		e, ok := s.streams[name].find(id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p.consumer, p.at = consumer, now
		p.count++
		claimed = append(claimed, record(e))
	}
	return []any{"0-0", claimed, []any{}}
}

// XACK key group id [id ...]
func (s *Server) xack(args []string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookupGroup(args[1], args[2])
	if g == nil {
		return 0
	}
	acked := 0
	for _, id := range args[3:] {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

func (st *stream) find(id string) (entry, bool) {
	for _, e := range st.entries {
		if e.id == id {
			return e, true
		}
	}
	return entry{}, false
}

func record(e entry) []any {
	return []any{e.id, e.fields}
}

// liveCounter drops expired keys. It expects s.mu to be held.
func (s *Server) liveCounter(key string) *counter {
	c := s.counter[key]
	if c != nil && !c.expires.IsZero() && !time.Now().Before(c.expires) {
		delete(s.counter, key)
		return nil
	}
	return c
}

func (s *Server) incr(args []string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(args[1])
	if c == nil {
		c = &counter{}
		s.counter[args[1]] = c
	}
	c.value++
	return c.value
}

func (s *Server) expire(args []string) any {
	seconds, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return respErr("ERR value is not an integer or out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(args[1])
	if c == nil {
		return 0
	}
	c.expires = time.Now().Add(time.Duration(seconds) * time.Second)
	return 1
}

func (s *Server) ttl(args []string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(args[1])
	switch {
	case c == nil:
		return -2
	case c.expires.IsZero():
		return -1
	default:
		return int64(time.Until(c.expires) / time.Second)
	}
}
