package stock

import (
	"errors"
	"fmt"

	"stockprobe/pkg/model"
)

// ErrInvalidTransition 非法状态迁移
var ErrInvalidTransition = errors.New("stock: invalid transition")

// Event 状态机事件
type Event int

const (
	// EventSessionFresh 已有新鲜会话，跳过初始化
	EventSessionFresh Event = iota
	// EventBootstrap 需要执行初始化步骤
	EventBootstrap
	EventBootstrapped
	EventCartDone
	EventFailed
)

func (e Event) String() string {
	switch e {
	case EventSessionFresh:
		return "sessionFresh"
	case EventBootstrap:
		return "bootstrap"
	case EventBootstrapped:
		return "bootstrapped"
	case EventCartDone:
		return "cartDone"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition 纯函数状态迁移
func Transition(s model.StockState, ev Event) (model.StockState, error) {
	switch {
	case s == model.StateNew && ev == EventSessionFresh:
		return model.StateCartAction, nil
	case s == model.StateNew && ev == EventBootstrap:
		return model.StateBootstrapping, nil
	case s == model.StateBootstrapping && ev == EventBootstrapped:
		return model.StateCartAction, nil
	case s == model.StateCartAction && ev == EventCartDone:
		return model.StateResolved, nil
	case s != model.StateResolved && ev == EventFailed:
		return model.StateResolved, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, ev)
}

// Machine 单个任务的状态与初始化步骤序列
type Machine struct {
	state model.StockState
	steps []model.BootstrapStep
	next  int
	step  model.BootstrapStep
}

// NewMachine 创建处于 NEW 的状态机
func NewMachine() *Machine { return &Machine{state: model.StateNew} }

func (m *Machine) State() model.StockState { return m.state }

// Step 当前初始化步骤
func (m *Machine) Step() model.BootstrapStep { return m.step }

// Fire 触发事件
func (m *Machine) Fire(ev Event) error {
	next, err := Transition(m.state, ev)
	if err != nil {
		return err
	}
	m.state = next
	if next != model.StateBootstrapping {
		m.step = model.StepNone
	}
	return nil
}

// Begin 按计划的初始化步骤离开 NEW；无步骤时直接进入 CART_ACTION
func (m *Machine) Begin(steps []model.BootstrapStep) error {
	if len(steps) == 0 {
		return m.Fire(EventSessionFresh)
	}
	if err := m.Fire(EventBootstrap); err != nil {
		return err
	}
	m.steps = append([]model.BootstrapStep(nil), steps...)
	m.next = 0
	return nil
}

// Next 取下一个初始化步骤；步骤耗尽时进入 CART_ACTION 并返回 false
func (m *Machine) Next() (model.BootstrapStep, bool) {
	if m.state != model.StateBootstrapping {
		return model.StepNone, false
	}
	if m.next >= len(m.steps) {
		_ = m.Fire(EventBootstrapped)
		return model.StepNone, false
	}
	m.step = m.steps[m.next]
	m.next++
	return m.step, true
}
