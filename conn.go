package ircdd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/irc.v3"
)

type ircError struct {
	Message *irc.Message
}

func (err ircError) Error() string {
	return err.Message.String()
}

func newUnknownCommandError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_UNKNOWNCOMMAND,
		Params: []string{
			"*",
			cmd,
			"Unknown command",
		},
	}}
}

func newNeedMoreParamsError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NEEDMOREPARAMS,
		Params: []string{
			"*",
			cmd,
			"Not enough parameters",
		},
	}}
}

// newStoreFailureError reports a store-transport failure for cmd. The
// reply keeps the connection alive; the client may retry once the store
// is reachable again.
func newStoreFailureError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_UNKNOWNCOMMAND,
		Params: []string{
			"*",
			cmd,
			"Temporary failure, try again later",
		},
	}}
}

// errClientQuit tells the run loop to close the connection without
// logging a failure.
var errClientQuit = errors.New("client quit")

var servicesPrefix = &irc.Prefix{Name: "NickServ", User: "NickServ", Host: "services"}

// ircConn is the per-connection protocol adapter: it owns the socket,
// translates commands into realm and group operations, and serializes
// every outbound frame through a single writer goroutine. Bus deliveries
// enter through receive and share the same outgoing queue.
type ircConn struct {
	id       uint64
	net      net.Conn
	irc      *irc.Conn
	srv      *Server
	logger   Logger
	outgoing chan *irc.Message
	closed   chan struct{}

	registered bool
	nick       string
	username   string
	realname   string
	password   string // empty after authentication
	user       *shardedUser

	closeOnce sync.Once

	lock   sync.Mutex
	logout func()
}

var _ mind = (*ircConn)(nil)

func newIRCConn(srv *Server, netConn net.Conn, id uint64) *ircConn {
	c := &ircConn{
		id:       id,
		net:      netConn,
		irc:      irc.NewConn(netConn),
		srv:      srv,
		logger:   &prefixLogger{srv.Logger, fmt.Sprintf("conn %q: ", netConn.RemoteAddr())},
		outgoing: make(chan *irc.Message, 64),
		closed:   make(chan struct{}),
	}

	go func() {
		if err := c.writeMessages(); err != nil {
			c.logger.Printf("failed to write message: %v", err)
		}
		if err := c.net.Close(); err != nil {
			c.logger.Printf("failed to close connection: %v", err)
		} else {
			c.logger.Printf("connection closed")
		}
	}()

	c.logger.Printf("new connection")
	return c
}

func (c *ircConn) prefix() *irc.Prefix {
	return &irc.Prefix{
		Name: c.nick,
		User: c.nick,
		Host: c.srv.Hostname,
	}
}

func (c *ircConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close tears the connection down and logs the user out: the realm drops
// it, joined groups prune their rosters and the session row deactivates.
// Both the connection's own goroutine and Shutdown may call it.
func (c *ircConn) Close() error {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		close(c.closed)

		c.lock.Lock()
		logout := c.logout
		c.logout = nil
		c.lock.Unlock()
		if logout != nil {
			logout()
		}
	})
	if !closed {
		return fmt.Errorf("connection already closed")
	}
	return nil
}

func (c *ircConn) SendMessage(msg *irc.Message) {
	select {
	case c.outgoing <- msg:
	case <-c.closed:
	}
}

func (c *ircConn) writeMessages() error {
	for {
		select {
		case msg := <-c.outgoing:
			if c.srv.Debug {
				c.logger.Printf("sent: %v", msg)
			}
			if err := c.irc.WriteMessage(msg); err != nil {
				return err
			}
		case <-c.closed:
			// Flush replies queued right before the close, such as the
			// login failure notice.
			for {
				select {
				case msg := <-c.outgoing:
					if err := c.irc.WriteMessage(msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (c *ircConn) run() error {
	for {
		msg, err := c.irc.ReadMessage()
		if err == io.EOF {
			break
		} else if err != nil {
			if c.isClosed() {
				break
			}
			return fmt.Errorf("failed to read IRC command: %v", err)
		}

		if c.srv.Debug {
			c.logger.Printf("received: %v", msg)
		}

		err = c.handleMessage(msg)
		if ircErr, ok := err.(ircError); ok {
			ircErr.Message.Prefix = c.srv.prefix()
			c.SendMessage(ircErr.Message)
		} else if err == errClientQuit {
			break
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (c *ircConn) handleMessage(msg *irc.Message) error {
	if c.registered {
		return c.handleMessageRegistered(msg)
	}
	return c.handleMessageUnregistered(msg)
}

func (c *ircConn) handleMessageUnregistered(msg *irc.Message) error {
	switch msg.Command {
	case "PASS":
		return parseMessageParams(msg, &c.password)
	case "NICK":
		var nick string
		if err := parseMessageParams(msg, &nick); err != nil {
			return err
		}
		return c.handleNick(nick)
	case "USER":
		return parseMessageParams(msg, &c.username, nil, nil, &c.realname)
	case "PING":
		return c.handlePing(msg)
	case "QUIT":
		return errClientQuit
	default:
		return newUnknownCommandError(msg.Command)
	}
}

// handleNick runs the login: MOTD first, then the credential check
// against the store, then admission through the realm.
func (c *ircConn) handleNick(nick string) error {
	if !validParam(nick) || !isValidNick(nick) {
		return ircError{&irc.Message{
			Command: irc.ERR_ERRONEUSNICKNAME,
			Params:  []string{"*", nick, "Erroneous nickname"},
		}}
	}

	c.sendMOTD(nick)

	if err := c.authenticate(nick); err != nil {
		if err == errNoSuchUser || err == bcrypt.ErrMismatchedHashAndPassword {
			c.SendMessage(&irc.Message{
				Prefix:  servicesPrefix,
				Command: "PRIVMSG",
				Params:  []string{nick, "Login failed.  Goodbye."},
			})
			return errClientQuit
		}
		c.logger.Printf("login for %q failed on store error: %v", nick, err)
		return newStoreFailureError("NICK")
	}

	user, logout, err := c.srv.realm.requestAvatar(nick, c)
	if err == errAlreadyLoggedIn {
		// The nick is attached here or live on another node. The client
		// keeps its connection and may retry with a different nick.
		c.SendMessage(&irc.Message{
			Prefix:  servicesPrefix,
			Command: "PRIVMSG",
			Params:  []string{nick, "Already logged in.  No pod people allowed!"},
		})
		return nil
	} else if err != nil {
		c.logger.Printf("login for %q failed on store error: %v", nick, err)
		return newStoreFailureError("NICK")
	}

	c.nick = user.name
	c.user = user
	c.password = ""
	c.registered = true

	c.lock.Lock()
	c.logout = logout
	c.lock.Unlock()
	if c.isClosed() {
		// Shutdown raced the registration; undo the attach.
		c.lock.Lock()
		c.logout = nil
		c.lock.Unlock()
		logout()
		return errClientQuit
	}

	c.logger.Printf("registered as %q", c.nick)
	c.sendWelcome(c.nick)
	return nil
}

// authenticate verifies credentials against the stored user row,
// inserting an unregistered row first when the nick is unknown and the
// realm admits users on request.
func (c *ircConn) authenticate(nick string) error {
	record, err := c.srv.store.LookupUser(nick)
	if err == errNoSuchUser {
		if !c.srv.realm.createUserOnRequest {
			return errNoSuchUser
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(c.password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if err := c.srv.store.CreateUser(nick, "", string(hash), false, ""); err != nil && err != errDuplicateUser {
			return err
		}
		return nil
	} else if err != nil {
		return err
	}

	if record.Registered {
		return bcrypt.CompareHashAndPassword([]byte(record.Password), []byte(c.password))
	}
	return nil
}

func (c *ircConn) handleMessageRegistered(msg *irc.Message) error {
	switch msg.Command {
	case "JOIN":
		var names string
		if err := parseMessageParams(msg, &names); err != nil {
			return err
		}
		for _, name := range strings.Split(names, ",") {
			if err := c.handleJoin(name); err != nil {
				return err
			}
		}
		return nil
	case "PART":
		var names string
		if err := parseMessageParams(msg, &names); err != nil {
			return err
		}
		var reason string
		if len(msg.Params) > 1 {
			reason = msg.Params[1]
		}
		for _, name := range strings.Split(names, ",") {
			if err := c.handlePart(name, reason); err != nil {
				return err
			}
		}
		return nil
	case "NAMES":
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return err
		}
		return c.handleNames(name)
	case "LIST":
		var names string
		if len(msg.Params) > 0 {
			names = msg.Params[0]
		}
		return c.handleList(names)
	case "WHO":
		var mask string
		if err := parseMessageParams(msg, &mask); err != nil {
			return err
		}
		return c.handleWho(mask)
	case "WHOIS":
		var target string
		if err := parseMessageParams(msg, &target); err != nil {
			return err
		}
		return c.handleWhois(target)
	case "PRIVMSG":
		var target, text string
		if err := parseMessageParams(msg, &target, &text); err != nil {
			return err
		}
		return c.handlePrivmsg(target, text)
	case "TOPIC":
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return err
		}
		if len(msg.Params) > 1 {
			return c.handleSetTopic(name, msg.Params[1])
		}
		c.sendTopic(stripChannelPrefix(name))
		return nil
	case "PING":
		return c.handlePing(msg)
	case "NICK", "USER", "PASS":
		return ircError{&irc.Message{
			Command: irc.ERR_ALREADYREGISTERED,
			Params:  []string{c.nick, "You may not reregister"},
		}}
	case "QUIT":
		return errClientQuit
	default:
		return newUnknownCommandError(msg.Command)
	}
}

func (c *ircConn) handlePing(msg *irc.Message) error {
	token := c.srv.Hostname
	if len(msg.Params) > 0 {
		token = msg.Params[0]
	}
	c.SendMessage(&irc.Message{
		Prefix:  c.srv.prefix(),
		Command: "PONG",
		Params:  []string{c.srv.Hostname, token},
	})
	return nil
}

func newNoSuchChannelError(name, reason string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NOSUCHCHANNEL,
		Params:  []string{name, reason},
	}}
}

func (c *ircConn) handleJoin(name string) error {
	if !validParam(name) {
		return newNoSuchChannelError(name, "No such channel (could not decode your unicode!)")
	}
	groupName := stripChannelPrefix(name)

	group, err := c.srv.realm.getGroup(groupName)
	if err != nil {
		return newNoSuchChannelError("#"+groupName, "No such channel.")
	}
	if err := c.user.join(group); err != nil && err != errAlreadyOnChannel {
		return err
	}

	c.SendMessage(&irc.Message{
		Prefix:  c.prefix(),
		Command: "JOIN",
		Params:  []string{"#" + group.name},
	})
	c.sendNames(group.name, group.iterusers())
	c.sendTopic(group.name)
	return nil
}

func (c *ircConn) handlePart(name, reason string) error {
	if !validParam(name) {
		return ircError{&irc.Message{
			Command: irc.ERR_NOTONCHANNEL,
			Params:  []string{name, "Could not decode your unicode!"},
		}}
	}
	groupName := stripChannelPrefix(name)

	group, err := c.srv.realm.lookupGroup(groupName)
	if err == nil {
		err = c.user.leave(group, reason)
	}
	if err != nil {
		return ircError{&irc.Message{
			Command: irc.ERR_NOTONCHANNEL,
			Params:  []string{"#" + groupName, "You are not on that channel"},
		}}
	}

	if reason == "" {
		reason = "leaving"
	}
	c.SendMessage(&irc.Message{
		Prefix:  c.prefix(),
		Command: "PART",
		Params:  []string{"#" + group.name, reason},
	})
	return nil
}

func (c *ircConn) handleNames(name string) error {
	if !validParam(name) {
		return newNoSuchChannelError(name, "No such channel (could not decode your unicode!)")
	}
	groupName := stripChannelPrefix(name)

	group, err := c.srv.realm.lookupGroup(groupName)
	if err != nil {
		c.sendNames(casemapASCII(groupName), nil)
		return nil
	}
	c.sendNames(group.name, group.iterusers())
	return nil
}

// handleList reports the cluster-wide group directory, not just the
// groups this node holds handles for.
func (c *ircConn) handleList(names string) error {
	var records []GroupRecord
	if names != "" {
		if !validParam(names) {
			return newNoSuchChannelError(names, "No such channel (could not decode your unicode!)")
		}
		for _, name := range strings.Split(names, ",") {
			record, err := c.srv.store.LookupGroup(stripChannelPrefix(name))
			if err != nil {
				continue
			}
			records = append(records, *record)
		}
	} else {
		var err error
		records, err = c.srv.store.ListGroups()
		if err != nil {
			c.logger.Printf("failed to list groups: %v", err)
			return newStoreFailureError("LIST")
		}
	}

	c.sendServerMessage(c.nick, irc.RPL_LISTSTART, "Channel", "Users  Name")
	for i := range records {
		c.sendListRow(&records[i])
	}
	c.sendServerMessage(c.nick, irc.RPL_LISTEND, "End of /LIST")
	return nil
}

func (c *ircConn) handleWho(mask string) error {
	if !validParam(mask) {
		c.sendServerMessage(c.nick, irc.RPL_ENDOFWHO, mask, "End of /WHO list (could not decode your unicode!)")
		return nil
	}

	if isChannelName(mask) {
		groupName := stripChannelPrefix(mask)
		state, err := c.srv.store.LookupGroupState(groupName)
		if err == nil {
			for _, member := range sortedHeartbeatNames(state, c.srv.SessionExpiry) {
				c.sendWhoRow("#"+casemapASCII(groupName), member)
			}
		}
	} else {
		// Only nicks with a live session anywhere in the cluster show up.
		nick := casemapASCII(mask)
		if _, err := c.srv.store.LookupUser(nick); err == nil {
			session, err := c.srv.store.LookupUserSession(nick)
			if err == nil && c.srv.realm.sessionLive(session) {
				c.sendWhoRow("*", nick)
			}
		}
	}
	c.sendServerMessage(c.nick, irc.RPL_ENDOFWHO, mask, "End of /WHO list.")
	return nil
}

func newNoSuchNickError(target string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NOSUCHNICK,
		Params:  []string{target, "No such nick/channel"},
	}}
}

func (c *ircConn) handleWhois(target string) error {
	if !validParam(target) {
		return newNoSuchNickError(target)
	}
	nick := casemapASCII(target)

	record, err := c.srv.store.LookupUser(nick)
	if err != nil {
		return newNoSuchNickError(target)
	}
	session, err := c.srv.store.LookupUserSession(nick)
	if err != nil {
		return newNoSuchNickError(target)
	}

	groups, err := c.srv.store.GroupsForUser(nick)
	if err != nil {
		c.logger.Printf("failed to list groups for %q: %v", nick, err)
	}
	channels := make([]string, len(groups))
	for i, name := range groups {
		channels[i] = "#" + name
	}

	idle := int64(time.Since(session.LastHeartbeat).Seconds())
	if idle < 0 {
		idle = 0
	}

	c.sendServerMessage(c.nick, irc.RPL_WHOISUSER, record.Nickname, record.Nickname, session.NodeID, "*", record.Nickname)
	c.sendServerMessage(c.nick, irc.RPL_WHOISSERVER, record.Nickname, c.srv.realm.Name, "Hi mom!")
	c.sendServerMessage(c.nick, irc.RPL_WHOISIDLE, record.Nickname, fmt.Sprintf("%d", idle), "seconds idle")
	if len(channels) > 0 {
		c.sendServerMessage(c.nick, irc.RPL_WHOISCHANNELS, record.Nickname, strings.Join(channels, " "))
	}
	c.sendServerMessage(c.nick, irc.RPL_ENDOFWHOIS, record.Nickname, "End of /WHOIS list.")
	return nil
}

func (c *ircConn) handlePrivmsg(target, text string) error {
	if isChannelName(target) {
		if !validParam(target) {
			return newNoSuchChannelError(target, "No such channel (could not decode your unicode!)")
		}
		group, err := c.srv.realm.lookupGroup(stripChannelPrefix(target))
		if err != nil {
			return newNoSuchChannelError(target, "No such channel.")
		}
		for _, line := range splitLines(text) {
			c.user.send(group, line)
		}
		return nil
	}

	if !validParam(target) {
		return newNoSuchNickError(target)
	}
	peer, err := c.srv.realm.lookupUser(target)
	if err != nil {
		return newNoSuchNickError(target)
	}
	for _, line := range splitLines(text) {
		c.user.sendTo(peer, line)
	}
	return nil
}

func (c *ircConn) handleSetTopic(name, topic string) error {
	if !validParam(name) || !validParam(topic) {
		return newNoSuchChannelError(name, "No such channel (could not decode your unicode!)")
	}
	groupName := stripChannelPrefix(name)

	group, err := c.srv.realm.lookupGroup(groupName)
	if err != nil {
		return newNoSuchChannelError("#"+groupName, "No such channel.")
	}
	if err := group.setMeta("topic", topic); err != nil {
		c.logger.Printf("failed to store topic for %q: %v", group.name, err)
		return newStoreFailureError("TOPIC")
	}
	c.SendMessage(&irc.Message{
		Prefix:  c.prefix(),
		Command: "TOPIC",
		Params:  []string{"#" + group.name, topic},
	})
	return nil
}

// receive implements mind: one PRIVMSG frame per record, with the
// sender's origin node as the prefix host.
func (c *ircConn) receive(sender, target string, rec *ChatRecord) {
	c.SendMessage(&irc.Message{
		Prefix: &irc.Prefix{
			Name: sender,
			User: sender,
			Host: rec.SenderNode,
		},
		Command: "PRIVMSG",
		Params:  []string{target, rec.Text},
	})
}

func (c *ircConn) local() bool { return true }
