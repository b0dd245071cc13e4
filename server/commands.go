package server

import (
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// command is a control string a client can send instead of a packet
type command struct {
	admin bool
	run   func(w *wsConn)
}

var commands = map[string]command{
	TestMessage:     {run: (*wsConn).test},
	"support":       {run: (*wsConn).support},
	"status":        {admin: true, run: (*wsConn).status},
	"version":       {admin: true, run: (*wsConn).version},
	"stats":         {admin: true, run: (*wsConn).stats},
	"debug":         {admin: true, run: (*wsConn).debug},
	"enable_debug":  {admin: true, run: func(w *wsConn) { w.setDebug(true) }},
	"disable_debug": {admin: true, run: func(w *wsConn) { w.setDebug(false) }},
	"restart":       {admin: true, run: (*wsConn).restart},
	"reconnect":     {admin: true, run: (*wsConn).reconnect},
}

// reply renders {"type":kind,"data":data}
func reply(kind string, data interface{}) ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{}`), "type", kind)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "data", data)
}

func (w *wsConn) reply(kind string, data interface{}) {
	msg, err := reply(kind, data)
	if err != nil {
		w.log.Error("Failed to build reply", zap.String("type", kind), zap.Error(err))
		return
	}
	w.send(msg)
}

func (w *wsConn) test() {
	w.send([]byte(TestMessage))
}

func (w *wsConn) support() {
	w.reply("support", map[string]string{
		"name":  w.server.opts.SupportName,
		"email": w.server.opts.SupportEmail,
	})
}

func (w *wsConn) status() {
	status := map[string]bool{}
	if h := w.server.opts.Health; h != nil {
		status = h.Snapshot()
	}
	w.reply("status", status)
}

func (w *wsConn) version() {
	w.reply("version", w.server.opts.Version)
}

type queueStats struct {
	Length  int    `json:"length"`
	Dropped uint64 `json:"dropped"`
}

func (w *wsConn) stats() {
	opts := w.server.opts
	state := opts.State

	queues := map[string]queueStats{}
	for _, q := range state.ResponseQueues() {
		queues[q.Name] = queueStats{Length: q.Queue.Len(), Dropped: q.Queue.Dropped()}
	}
	for _, node := range state.Nodes() {
		q := state.Outbound(node.ID)
		queues["outbound_"+node.Key] = queueStats{Length: q.Len(), Dropped: q.Dropped()}
	}

	tokens := 0
	if opts.Auth != nil {
		tokens = opts.Auth.Remembered()
	}

	w.reply("stats", map[string]interface{}{
		"workers":       opts.Stats.Snapshot(),
		"users":         state.Clients.Users(),
		"subscriptions": state.Registry.Stats(),
		"queues":        queues,
		"cached":        state.Cache.Len(),
		"tokens":        tokens,
	})
}

func (w *wsConn) debugEnabled() bool {
	return w.server.opts.Level.Enabled(zapcore.DebugLevel)
}

func (w *wsConn) debug() {
	msg, err := reply("debug", map[string]bool{"debug": w.debugEnabled()})
	if err == nil {
		var snapshot []byte
		if snapshot, err = w.server.opts.State.Cache.Snapshot(); err == nil {
			msg, err = sjson.SetRawBytes(msg, "data.cache", snapshot)
		}
	}

	if err != nil {
		w.log.Error("Failed to build debug reply", zap.Error(err))
		return
	}
	w.send(msg)
}

func (w *wsConn) setDebug(enabled bool) {
	level := zapcore.InfoLevel
	if enabled {
		level = zapcore.DebugLevel
	}
	w.server.opts.Level.SetLevel(level)

	w.log.Info("Changed log level", zap.Stringer("level", level))
	w.reply("debug", map[string]bool{"debug": w.debugEnabled()})
}

func (w *wsConn) restart() {
	w.log.Warn("Restart requested")
	w.server.opts.Restart()
}

func (w *wsConn) reconnect() {
	sessions := w.server.opts.Sessions
	w.log.Warn("Reconnect requested", zap.Int("sessions", len(sessions)))

	for _, session := range sessions {
		session.Reconnect()
	}
}
