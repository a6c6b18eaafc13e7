package ircdd

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/irc.v3"
)

// Numeric reply bursts. Every reply here is addressed to the requesting
// nick and carries the server prefix.

func (c *ircConn) sendServerMessage(nick, cmd string, params ...string) {
	c.SendMessage(&irc.Message{
		Prefix:  c.srv.prefix(),
		Command: cmd,
		Params:  append([]string{nick}, params...),
	})
}

func (c *ircConn) sendMOTD(nick string) {
	c.sendServerMessage(nick, irc.RPL_MOTDSTART, fmt.Sprintf("- %v Message of the Day - ", c.srv.Hostname))
	c.sendServerMessage(nick, irc.RPL_ENDOFMOTD, "End of /MOTD command.")
}

func (c *ircConn) sendWelcome(nick string) {
	c.sendServerMessage(nick, irc.RPL_WELCOME, "connected to Twisted IRC")
	c.sendServerMessage(nick, irc.RPL_YOURHOST, fmt.Sprintf("Your host is %v, running version %v", c.srv.Hostname, c.srv.Version))
	c.sendServerMessage(nick, irc.RPL_CREATED, fmt.Sprintf("This server was created on %v", c.srv.CreatedAt.Format(time.ANSIC)))
	c.sendServerMessage(nick, irc.RPL_MYINFO, c.srv.Hostname, c.srv.Version, "w", "n")
}

func (c *ircConn) sendNames(groupName string, members []string) {
	if len(members) > 0 {
		c.sendServerMessage(c.nick, irc.RPL_NAMREPLY, "=", "#"+groupName, strings.Join(members, " "))
	}
	c.sendServerMessage(c.nick, irc.RPL_ENDOFNAMES, "#"+groupName, "End of /NAMES list.")
}

// sendTopic reports the stored topic for a group, or 331 when none is set.
func (c *ircConn) sendTopic(groupName string) {
	record, err := c.srv.store.LookupGroup(groupName)
	if err != nil || record.Meta.Topic == "" {
		c.sendServerMessage(c.nick, irc.RPL_NOTOPIC, "#"+groupName, "No topic is set")
		return
	}
	c.sendServerMessage(c.nick, irc.RPL_TOPIC, "#"+groupName, record.Meta.Topic)
}

// sendListRow reports one 322 row: channel, cluster-wide member count
// derived from fresh membership heartbeats, and topic.
func (c *ircConn) sendListRow(record *GroupRecord) {
	state, err := c.srv.store.LookupGroupState(record.Name)
	if err != nil && err != errNoSuchGroup {
		c.logger.Printf("failed to look up state for %q: %v", record.Name, err)
	}
	count := state.MemberCount(c.srv.SessionExpiry)
	c.sendServerMessage(c.nick, irc.RPL_LIST, "#"+record.Name, fmt.Sprintf("%d", count), record.Meta.Topic)
}

func (c *ircConn) sendWhoRow(channel, nick string) {
	c.sendServerMessage(c.nick, irc.RPL_WHOREPLY,
		channel, nick, c.srv.Hostname, c.srv.realm.Name, nick, "H", "0 "+nick)
}
