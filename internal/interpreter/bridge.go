package interpreter

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// messageTable converts a pending request into the table passed to the
// user handler.
func messageTable(L *lua.LState, req *delivery.PendingRequest) *lua.LTable {
	ev := req.Event
	msg := L.NewTable()
	msg.RawSetString("id", lua.LString(req.ID))
	msg.RawSetString("messageId", lua.LString(ev.MessageID))
	msg.RawSetString("from", lua.LString(ev.From))
	msg.RawSetString("collapseKey", lua.LString(ev.CollapseKey))
	msg.RawSetString("ttl", lua.LNumber(ev.TTL))
	msg.RawSetString("recipient", lua.LString(ev.RecipientID.String()))
	if !ev.SentTime.IsZero() {
		msg.RawSetString("sentTime", lua.LNumber(ev.SentTime.UnixMilli()))
	}
	msg.RawSetString("data", stringMapTable(L, req.Payload))

	if n := ev.Notification; n != nil {
		nt := L.NewTable()
		setIfNotEmpty(nt, "title", n.Title)
		setIfNotEmpty(nt, "body", n.Body)
		setIfNotEmpty(nt, "sound", n.Sound)
		setIfNotEmpty(nt, "tag", n.Tag)
		setIfNotEmpty(nt, "imageUrl", n.ImageURL)
		setIfNotEmpty(nt, "channelId", n.ChannelID)
		setIfNotEmpty(nt, "clickAction", n.ClickAction)
		msg.RawSetString("notification", nt)
	}
	return msg
}

func setIfNotEmpty(t *lua.LTable, key, value string) {
	if value != "" {
		t.RawSetString(key, lua.LString(value))
	}
}

func stringMapTable(L *lua.LState, m map[string]string) *lua.LTable {
	t := L.CreateTable(0, len(m))
	for k, v := range m {
		t.RawSetString(k, lua.LString(v))
	}
	return t
}

// tableToStringMap flattens a Lua table into string keys and values.
// Non-string keys are skipped; values go through tostring semantics.
func tableToStringMap(t *lua.LTable) map[string]string {
	if t == nil {
		return nil
	}
	m := make(map[string]string)
	t.ForEach(func(k, v lua.LValue) {
		ks, ok := k.(lua.LString)
		if !ok {
			return
		}
		m[string(ks)] = v.String()
	})
	return m
}

func stringField(t *lua.LTable, key string) string {
	if v, ok := t.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

// tableToTargets reads an array of target tables.
func tableToTargets(t *lua.LTable) ([]delivery.Target, error) {
	n := t.Len()
	targets := make([]delivery.Target, 0, n)
	for i := 1; i <= n; i++ {
		entry, ok := t.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("target %d is not a table", i)
		}
		target := delivery.Target{
			Platform: delivery.Platform(stringField(entry, "platform")),
			Token:    stringField(entry, "token"),
			Endpoint: stringField(entry, "endpoint"),
			P256dh:   stringField(entry, "p256dh"),
			Auth:     stringField(entry, "auth"),
		}
		if target.Platform == "" {
			return nil, fmt.Errorf("target %d has no platform", i)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func tableToNotice(t *lua.LTable) delivery.Notice {
	notice := delivery.Notice{
		Title: stringField(t, "title"),
		Body:  stringField(t, "body"),
		Sound: stringField(t, "sound"),
		Tag:   stringField(t, "tag"),
		Icon:  stringField(t, "icon"),
	}
	if data, ok := t.RawGetString("data").(*lua.LTable); ok {
		notice.Data = tableToStringMap(data)
	}
	return notice
}
