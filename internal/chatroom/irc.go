package chatroom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/gorilla/websocket"
)

// ErrAuthFailed is returned when the room rejects the credential during login.
var ErrAuthFailed = errors.New("chat room rejected credentials")

const (
	messageBuffer = 128

	// The room pings roughly every five minutes, so a silent socket past
	// this is half-open.
	defaultReadTimeout  = 6 * time.Minute
	defaultWriteTimeout = 10 * time.Second
)

// ircMessage is one parsed IRCv3 line.
type ircMessage struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Trailing returns the last parameter, which carries the message text.
func (m ircMessage) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Nick returns the nickname part of the prefix.
func (m ircMessage) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	return nick
}

func parseIRC(line string) (ircMessage, error) {
	var msg ircMessage
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return msg, errors.New("empty line")
	}

	if strings.HasPrefix(line, "@") {
		raw, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return msg, fmt.Errorf("tags without command: %q", line)
		}
		msg.Tags = parseTags(raw)
		line = strings.TrimLeft(rest, " ")
	}

	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return msg, fmt.Errorf("prefix without command: %q", line)
		}
		msg.Prefix = prefix
		line = strings.TrimLeft(rest, " ")
	}

	head, trailing, hasTrailing := strings.Cut(line, " :")
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return msg, fmt.Errorf("missing command: %q", line)
	}
	msg.Command = strings.ToUpper(fields[0])
	msg.Params = fields[1:]
	if hasTrailing {
		msg.Params = append(msg.Params, trailing)
	}
	return msg, nil
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(raw, ";") {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			tags[k] = unescapeTag(v)
		}
	}
	return tags
}

var tagUnescaper = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func unescapeTag(v string) string {
	return tagUnescaper.Replace(v)
}

// parseBadges turns "moderator/1,subscriber/12" into a map.
func parseBadges(raw string) map[string]string {
	badges := make(map[string]string)
	for _, b := range strings.Split(raw, ",") {
		name, version, _ := strings.Cut(b, "/")
		if name != "" {
			badges[name] = version
		}
	}
	return badges
}

// toRoomMessage converts a PRIVMSG into a RoomMessage. self is the login
// name of this connection; lines from it are flagged Self.
func toRoomMessage(m ircMessage, self string, now time.Time) RoomMessage {
	channel := ""
	if len(m.Params) > 0 {
		channel = strings.TrimPrefix(m.Params[0], "#")
	}
	login := m.Nick()
	display := m.Tags["display-name"]
	if display == "" {
		display = login
	}
	badges := parseBadges(m.Tags["badges"])
	_, broadcaster := badges["broadcaster"]

	return RoomMessage{
		Channel:      channel,
		Username:     login,
		DisplayName:  display,
		Text:         m.Trailing(),
		IsMod:        m.Tags["mod"] == "1" || broadcaster,
		IsSubscriber: m.Tags["subscriber"] == "1",
		Badges:       badges,
		Self:         strings.EqualFold(login, self),
		Timestamp:    now,
	}
}

// IRCDialer opens chat room connections over IRC-on-WebSocket. Each Dial
// fixes the credential for the lifetime of the returned Conn.
type IRCDialer struct {
	URL     string
	Channel string
	Dialer  *websocket.Dialer
	// ReadTimeout bounds the silence tolerated after login; WriteTimeout
	// bounds each write. Zero selects the defaults.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dial connects, authenticates and joins the channel. It returns only once
// the server has accepted the login.
func (d *IRCDialer) Dial(ctx context.Context, username, token string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	c := &ircConn{
		ws:           ws,
		login:        strings.ToLower(username),
		messages:     make(chan RoomMessage, messageBuffer),
		now:          time.Now,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}

	if err := c.handshake(ctx, token, d.Channel); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

type ircConn struct {
	ws           *websocket.Conn
	login        string
	messages     chan RoomMessage
	writeMu      sync.Mutex
	closeOnce    sync.Once
	now          func() time.Time
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *ircConn) handshake(ctx context.Context, token, channel string) error {
	token = strings.TrimPrefix(token, "oauth:")
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:" + token,
		"NICK " + c.login,
	} {
		if err := c.writeLine(line); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.readTimeout)
	}
	c.ws.SetReadDeadline(deadline)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			msg, err := parseIRC(line)
			if err != nil {
				continue
			}
			switch msg.Command {
			case "001":
				if err := c.writeLine("JOIN #" + strings.ToLower(channel)); err != nil {
					return fmt.Errorf("join: %w", err)
				}
				return nil
			case "NOTICE":
				text := strings.ToLower(msg.Trailing())
				if strings.Contains(text, "authentication failed") || strings.Contains(text, "improperly formatted auth") {
					return fmt.Errorf("%w: %s", ErrAuthFailed, msg.Trailing())
				}
			case "PING":
				c.writeLine("PONG :" + msg.Trailing())
			}
		}
	}
}

func (c *ircConn) readLoop() {
	defer close(c.messages)
	l := log.Component("chatroom")

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			l.Info().Err(err).Msg("chat room connection closed")
			c.Close()
			return
		}

		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			msg, err := parseIRC(line)
			if err != nil {
				l.Debug().Err(err).Msg("skipping unparseable chat line")
				continue
			}

			switch msg.Command {
			case "PING":
				if err := c.writeLine("PONG :" + msg.Trailing()); err != nil {
					l.Warn().Err(err).Msg("failed to answer chat room ping")
				}
			case "PRIVMSG":
				c.messages <- toRoomMessage(msg, c.login, c.now())
			case "RECONNECT":
				l.Info().Msg("chat room requested reconnect")
				c.Close()
			}
		}
	}
}

func (c *ircConn) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Send writes a PRIVMSG. Line breaks are flattened so a message can never
// smuggle a second IRC command.
func (c *ircConn) Send(ctx context.Context, channel, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := fmt.Sprintf("PRIVMSG #%s :%s", strings.ToLower(channel), lineBreaks.Replace(text))
	return c.writeLine(line)
}

func (c *ircConn) Messages() <-chan RoomMessage {
	return c.messages
}

func (c *ircConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
