package engine

import (
	"context"
	"sync"

	"github.com/ChuLiYu/fabric-recovery/internal/events"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// trigger 一個待提交的事件觸發
type trigger struct {
	event     types.Event
	procedure string
}

// intake 無界 FIFO 佇列，事件處理器只負責放入，不做儲存 I/O
type intake struct {
	mu     sync.Mutex
	queue  []trigger
	closed bool
	notify chan struct{}
}

func newIntake() *intake {
	return &intake{notify: make(chan struct{}, 1)}
}

func (in *intake) push(t trigger) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.queue = append(in.queue, t)
	in.mu.Unlock()
	in.signal()
	return true
}

// pop 阻塞直到有觸發或佇列關閉
func (in *intake) pop() (trigger, bool) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			t := in.queue[0]
			in.queue[0] = trigger{}
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return t, true
		}
		closed := in.closed
		in.mu.Unlock()
		if closed {
			return trigger{}, false
		}
		<-in.notify
	}
}

func (in *intake) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.signal()
}

func (in *intake) signal() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// subscribeTriggers 為每個伺服器事件註冊提交處理器
func (e *Engine) subscribeTriggers() {
	for name, proc := range e.cfg.Triggers {
		if proc == "" {
			continue
		}
		proc := proc
		sub := e.bus.Subscribe(name, events.HandlerFunc(func(ctx context.Context, ev types.Event) error {
			if !e.intake.push(trigger{event: ev, procedure: proc}) {
				return ErrStopped
			}
			return nil
		}))
		e.subs = append(e.subs, sub)
		log.Info("Trigger subscribed", "event", name, "procedure", proc)
	}
}

// intakeLoop 依事件順序提交程序
func (e *Engine) intakeLoop() {
	defer e.intakeWg.Done()
	for {
		t, ok := e.intake.pop()
		if !ok {
			return
		}
		e.handleTrigger(t)
	}
}

// handleTrigger 同一程序、同一群組已有非終止任務時不重複提交
func (e *Engine) handleTrigger(t trigger) {
	args := triggerArgs(t)
	group := args["group"]
	if id, dup := e.jobs.FindActive(t.procedure, group); dup {
		log.Info("Trigger suppressed, job already active", "event", t.event.Name, "event_id", t.event.ID,
			"procedure", t.procedure, "group", group, "job_id", id)
		return
	}

	id, err := e.SubmitProcedure(context.Background(), t.procedure, args)
	if err != nil {
		log.Error("Trigger submission failed", "event", t.event.Name, "event_id", t.event.ID,
			"procedure", t.procedure, "error", err)
		return
	}
	log.Info("Trigger submitted job", "event", t.event.Name, "event_id", t.event.ID,
		"procedure", t.procedure, "job_id", id)
}

// triggerArgs 事件內容轉成程序參數；SERVER_PROMOTED 的伺服器就是候選者
func triggerArgs(t trigger) map[string]string {
	args := make(map[string]string, len(t.event.Payload)+1)
	for k, v := range t.event.Payload {
		args[k] = v
	}
	if t.procedure == procedure.ProcPromote && args["candidate"] == "" && args["server"] != "" {
		args["candidate"] = args["server"]
	}
	return args
}
