package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	modelsession "github.com/zhouzirui/assistant-harness/backend/internal/model/session"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/session"
)

var errNoActions = errors.New("最近一条助手消息没有可用动作")

// printer 将快照流增量打印到终端
type printer struct {
	out      io.Writer
	messages int
	logs     int
	status   session.Status
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) watch(updates <-chan session.Snapshot) {
	for snap := range updates {
		p.render(snap)
	}
}

func (p *printer) render(snap session.Snapshot) {
	if snap.Status != p.status {
		fmt.Fprintf(p.out, "-- %s --\n", snap.Status)
		p.status = snap.Status
	}

	// 清空后计数回退
	if len(snap.Messages) < p.messages {
		p.messages = 0
	}
	for _, msg := range snap.Messages[p.messages:] {
		fmt.Fprintf(p.out, "%s> %s\n", msg.Sender, msg.Content)
		for i, action := range msg.Actions {
			fmt.Fprintf(p.out, "    [%d] %s (%s)\n", i+1, action.Name, action.Event)
		}
	}
	p.messages = len(snap.Messages)

	if len(snap.Logs) < p.logs {
		p.logs = 0
	}
	for _, entry := range snap.Logs[p.logs:] {
		if entry.Kind == modelsession.LogError {
			fmt.Fprintf(p.out, "!! %s\n", entry.Message)
		}
	}
	p.logs = len(snap.Logs)

	if snap.Transcribing {
		fmt.Fprintln(p.out, "   (transcribing...)")
	}
}

// resolveAction picks the n-th (1-based) action of the latest agent message
// that carries actions. The message id prefers extra_msg.messageId.
func resolveAction(snap session.Snapshot, n int) (modelsession.MessageAction, string, error) {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		msg := snap.Messages[i]
		if msg.Sender != modelsession.SenderAgent || len(msg.Actions) == 0 {
			continue
		}
		if n < 1 || n > len(msg.Actions) {
			return modelsession.MessageAction{}, "", fmt.Errorf("动作序号超出范围: 1-%d", len(msg.Actions))
		}
		return msg.Actions[n-1], messageIDOf(msg), nil
	}
	return modelsession.MessageAction{}, "", errNoActions
}

func messageIDOf(msg modelsession.ChatMessage) string {
	var extra struct {
		MessageID string `json:"messageId"`
	}
	if len(msg.ExtraMsg) > 0 && json.Unmarshal(msg.ExtraMsg, &extra) == nil && extra.MessageID != "" {
		return extra.MessageID
	}
	return msg.ID
}
