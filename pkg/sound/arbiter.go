// Package sound управляет единственным звуковым устройством, разделяемым между сессиями.
//
// Arbiter гарантирует, что в каждый момент устройство принадлежит не более чем одной
// сессии, и что потоки предыдущего владельца полностью остановлены до передачи.
package sound

// PreemptFunc вызывается для текущего владельца перед передачей устройства другому.
// К возврату из функции потоки владельца должны быть остановлены.
type PreemptFunc[T comparable] func(owner T)

// Arbiter отслеживает владельца звукового устройства.
//
// Arbiter не синхронизирован: все вызовы выполняются под блокировкой движка,
// в том числе PreemptFunc.
type Arbiter[T comparable] struct {
	owner   T
	held    bool
	preempt PreemptFunc[T]
}

// NewArbiter создает арбитр без владельца
func NewArbiter[T comparable](preempt PreemptFunc[T]) *Arbiter[T] {
	return &Arbiter[T]{preempt: preempt}
}

// AcquireFor передает устройство t. Если владелец другой, он вытесняется.
// Возвращает true, если было вытеснение.
func (a *Arbiter[T]) AcquireFor(t T) bool {
	if a.held && a.owner == t {
		return false
	}

	preempted := false
	if a.held {
		old := a.owner
		if a.preempt != nil {
			a.preempt(old)
		}
		preempted = true
	}

	a.owner = t
	a.held = true
	return preempted
}

// CurrentOwner возвращает текущего владельца
func (a *Arbiter[T]) CurrentOwner() (T, bool) {
	return a.owner, a.held
}

// Owns сообщает, владеет ли t устройством
func (a *Arbiter[T]) Owns(t T) bool {
	return a.held && a.owner == t
}

// Release освобождает устройство, если t его владелец
func (a *Arbiter[T]) Release(t T) bool {
	if !a.Owns(t) {
		return false
	}
	var zero T
	a.owner = zero
	a.held = false
	return true
}
