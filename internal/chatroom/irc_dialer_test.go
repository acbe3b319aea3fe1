package chatroom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIRCServer speaks just enough of the chat protocol for a login, one
// burst of room traffic and reading what the client sends.
func fakeIRCServer(t *testing.T, onNick string, afterJoin string) (*httptest.Server, <-chan string) {
	t.Helper()
	lines := make(chan string, 64)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			for _, line := range strings.Split(string(data), "\r\n") {
				if line == "" {
					continue
				}
				lines <- line
				switch {
				case strings.HasPrefix(line, "NICK "):
					c.WriteMessage(websocket.TextMessage, []byte(onNick))
				case strings.HasPrefix(line, "JOIN ") && afterJoin != "":
					c.WriteMessage(websocket.TextMessage, []byte(afterJoin))
				}
			}
		}
	}))
	return srv, lines
}

func nextLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case l := <-lines:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestIRCDialer_LoginJoinAndTraffic(t *testing.T) {
	burst := "PING :tmi.twitch.tv\r\n" +
		"@display-name=Viewer;mod=0;subscriber=0 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #streamer :hey claws\r\n" +
		":clawbot!clawbot@clawbot.tmi.twitch.tv PRIVMSG #streamer :[Claw] Rex: hi\r\n"
	srv, lines := fakeIRCServer(t, ":tmi.twitch.tv 001 clawbot :Welcome, GLHF!\r\n", burst)
	defer srv.Close()

	d := &IRCDialer{URL: wsURL(srv), Channel: "Streamer"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "ClawBot", "oauth:secret")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "CAP REQ :twitch.tv/tags twitch.tv/commands", nextLine(t, lines))
	assert.Equal(t, "PASS oauth:secret", nextLine(t, lines))
	assert.Equal(t, "NICK clawbot", nextLine(t, lines))
	assert.Equal(t, "JOIN #streamer", nextLine(t, lines))
	assert.Equal(t, "PONG :tmi.twitch.tv", nextLine(t, lines))

	var got []RoomMessage
	for len(got) < 2 {
		select {
		case msg := <-conn.Messages():
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("room messages not delivered")
		}
	}
	assert.Equal(t, "Viewer", got[0].DisplayName)
	assert.Equal(t, "hey claws", got[0].Text)
	assert.False(t, got[0].Self)
	assert.True(t, got[1].Self)

	require.NoError(t, conn.Send(context.Background(), "streamer", "[Claw] Rex: one\ntwo"))
	assert.Equal(t, "PRIVMSG #streamer :[Claw] Rex: one two", nextLine(t, lines))
}

func TestIRCDialer_AuthFailure(t *testing.T) {
	srv, _ := fakeIRCServer(t, ":tmi.twitch.tv NOTICE * :Login authentication failed\r\n", "")
	defer srv.Close()

	d := &IRCDialer{URL: wsURL(srv), Channel: "streamer"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Dial(ctx, "clawbot", "expired")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestIRCConn_MessagesClosedOnDisconnect(t *testing.T) {
	srv, _ := fakeIRCServer(t, ":tmi.twitch.tv 001 clawbot :Welcome\r\n", "")
	defer srv.Close()

	d := &IRCDialer{URL: wsURL(srv), Channel: "streamer"}
	conn, err := d.Dial(context.Background(), "clawbot", "tok")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	select {
	case _, ok := <-conn.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestIRCConn_SilentRoomClosesMessages(t *testing.T) {
	srv, _ := fakeIRCServer(t, ":tmi.twitch.tv 001 clawbot :Welcome\r\n", "")
	defer srv.Close()

	d := &IRCDialer{URL: wsURL(srv), Channel: "streamer", ReadTimeout: 200 * time.Millisecond}
	conn, err := d.Dial(context.Background(), "clawbot", "tok")
	require.NoError(t, err)
	defer conn.Close()

	select {
	case _, ok := <-conn.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel still open after the room went silent")
	}
}
