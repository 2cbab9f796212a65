// Package redisstub runs a small RESP2 server that understands the commands
// the streaming server issues: pub/sub, SET with expiry, GET, INCR, EXPIRE
// and TTL.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	subs     map[string]map[*client]struct{}
	clients  map[*client]struct{}
	commands []string
	closed   chan struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

type client struct {
	conn     net.Conn
	mu       sync.Mutex
	writer   *bufio.Writer
	channels map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		subs:     make(map[string]map[*client]struct{}),
		clients:  make(map[*client]struct{}),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.DropConnections()
	return nil
}

// DropConnections closes every client connection while continuing to accept
// new ones, simulating a broken upstream link.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// Subscribers reports how many connections are subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

// Publish delivers payload to every subscriber of channel.
func (s *Server) Publish(channel, payload string) int {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.subs[channel]))
	for c := range s.subs[channel] {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.mu.Lock()
		_ = writeArray(c.writer, []interface{}{"message", channel, payload})
		c.mu.Unlock()
	}
	return len(targets)
}

// Get returns the stored value for key, honouring expiry.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

// TTL returns the remaining lifetime of key, or -1 when it has none.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil || entry.expiry.IsZero() {
		return -1
	}
	return time.Until(entry.expiry)
}

// Commands returns the upper-cased command names received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	c := &client{conn: conn, writer: bufio.NewWriter(conn), channels: make(map[string]struct{})}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.removeClient(c)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments") })
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		switch cmd {
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 || (s.opts.Password != "" && password != s.opts.Password) {
				c.reply(func(w *bufio.Writer) error { return writeError(w, "WRONGPASS invalid username-password pair") })
				continue
			}
			authenticated = true
			c.reply(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
		case "HELLO":
			// Force clients onto RESP2.
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR unknown command 'HELLO'") })
		default:
			if !authenticated {
				c.reply(func(w *bufio.Writer) error { return writeError(w, "NOAUTH Authentication required.") })
				continue
			}
			s.dispatch(c, cmd, args)
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	for channel := range c.channels {
		if set := s.subs[channel]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(s.subs, channel)
			}
		}
	}
}

func (c *client) reply(write func(*bufio.Writer) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = write(c.writer)
}

func (s *Server) dispatch(c *client, cmd string, args []string) {
	switch cmd {
	case "PING":
		c.mu.Lock()
		inPubSub := len(c.channels) > 0
		c.mu.Unlock()
		payload := ""
		if len(args) > 1 {
			payload = args[1]
		}
		if inPubSub {
			c.reply(func(w *bufio.Writer) error { return writeArray(w, []interface{}{"pong", payload}) })
			return
		}
		c.reply(func(w *bufio.Writer) error { return writeSimpleString(w, "PONG") })
	case "SELECT", "CLIENT":
		c.reply(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
	case "SUBSCRIBE":
		for _, channel := range args[1:] {
			s.mu.Lock()
			set := s.subs[channel]
			if set == nil {
				set = make(map[*client]struct{})
				s.subs[channel] = set
			}
			set[c] = struct{}{}
			c.mu.Lock()
			c.channels[channel] = struct{}{}
			count := int64(len(c.channels))
			c.mu.Unlock()
			s.mu.Unlock()
			c.reply(func(w *bufio.Writer) error { return writeArray(w, []interface{}{"subscribe", channel, count}) })
		}
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			c.mu.Lock()
			for channel := range c.channels {
				channels = append(channels, channel)
			}
			c.mu.Unlock()
		}
		for _, channel := range channels {
			s.mu.Lock()
			if set := s.subs[channel]; set != nil {
				delete(set, c)
				if len(set) == 0 {
					delete(s.subs, channel)
				}
			}
			c.mu.Lock()
			delete(c.channels, channel)
			count := int64(len(c.channels))
			c.mu.Unlock()
			s.mu.Unlock()
			c.reply(func(w *bufio.Writer) error { return writeArray(w, []interface{}{"unsubscribe", channel, count}) })
		}
	case "PUBLISH":
		if len(args) != 3 {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'publish'") })
			return
		}
		delivered := s.Publish(args[1], args[2])
		c.reply(func(w *bufio.Writer) error { return writeInteger(w, int64(delivered)) })
	case "SET":
		s.handleSet(c, args)
	case "GET":
		if len(args) != 2 {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'get'") })
			return
		}
		value, ok := s.Get(args[1])
		if !ok {
			c.reply(writeBulkNil)
			return
		}
		c.reply(func(w *bufio.Writer) error { return writeBulkString(w, value) })
	case "INCR":
		if len(args) != 2 {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'incr'") })
			return
		}
		s.mu.Lock()
		entry := s.lookup(args[1])
		if entry == nil {
			entry = &kvEntry{value: "0"}
			s.kv[args[1]] = entry
		}
		n, err := strconv.ParseInt(entry.value, 10, 64)
		if err == nil {
			n++
			entry.value = strconv.FormatInt(n, 10)
		}
		s.mu.Unlock()
		if err != nil {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR value is not an integer or out of range") })
			return
		}
		c.reply(func(w *bufio.Writer) error { return writeInteger(w, n) })
	case "EXPIRE":
		if len(args) < 3 {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'expire'") })
			return
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR value is not an integer or out of range") })
			return
		}
		s.mu.Lock()
		entry := s.lookup(args[1])
		if entry != nil {
			entry.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
		}
		s.mu.Unlock()
		updated := int64(0)
		if entry != nil {
			updated = 1
		}
		c.reply(func(w *bufio.Writer) error { return writeInteger(w, updated) })
	case "TTL":
		if len(args) != 2 {
			c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'ttl'") })
			return
		}
		s.mu.Lock()
		entry := s.lookup(args[1])
		s.mu.Unlock()
		seconds := int64(-2)
		if entry != nil {
			seconds = -1
			if !entry.expiry.IsZero() {
				seconds = int64(time.Until(entry.expiry) / time.Second)
			}
		}
		c.reply(func(w *bufio.Writer) error { return writeInteger(w, seconds) })
	default:
		c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR unsupported command") })
	}
}

func (s *Server) handleSet(c *client, args []string) {
	if len(args) < 3 {
		c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'set'") })
		return
	}
	entry := &kvEntry{value: args[2]}
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR syntax error") })
				return
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR value is not an integer or out of range") })
				return
			}
			unit := time.Second
			if strings.EqualFold(args[i], "PX") {
				unit = time.Millisecond
			}
			entry.expiry = time.Now().Add(time.Duration(n) * unit)
			i++
		}
	}
	s.mu.Lock()
	s.kv[args[1]] = entry
	s.mu.Unlock()
	c.reply(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
}

func (s *Server) lookup(key string) *kvEntry {
	entry := s.kv[key]
	if entry == nil {
		return nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		default:
			s := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
