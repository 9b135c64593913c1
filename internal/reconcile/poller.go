package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
)

const (
	defaultMaxAttempts   = 8
	defaultBackoff       = 1500 * time.Millisecond
	defaultRecencyWindow = 10 * time.Minute
)

// StatusFunc запрашивает у сервера флаг доступа. Запрос идемпотентен,
// повторный вызов безопасен.
type StatusFunc func(ctx context.Context) (bool, error)

// Options параметры расписания опроса.
type Options struct {
	MaxAttempts   int
	Backoff       time.Duration
	RecencyWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = defaultRecencyWindow
	}
	return o
}

// Poller опрашивает статус доступа после возврата с оплаты, пока сервер
// не подтвердит подписку или попытки не будут исчерпаны.
type Poller struct {
	log     *slog.Logger
	status  StatusFunc
	markers MarkerStore
	opts    Options
	now     func() time.Time
	group   singleflight.Group

	mu       sync.Mutex
	state    State
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// New создаёт опросчик. Нулевые поля Options заменяются значениями по
// умолчанию.
func New(log *slog.Logger, status StatusFunc, markers MarkerStore, opts Options) *Poller {
	return &Poller{
		log:     log,
		status:  status,
		markers: markers,
		opts:    opts.withDefaults(),
		now:     time.Now,
		state:   StateIdle,
	}
}

// Provisional true, пока идёт активация: вызывающая сторона должна
// временно открывать закрытый контент, не дожидаясь вебхука.
func (p *Poller) Provisional() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateActivating
}

// State текущее состояние машины сверки.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Query запрашивает статус, склеивая конкурентные вызовы: пока один
// запрос в полёте, новые вызовы подключаются к нему вместо повторного
// похода на сервер.
func (p *Poller) Query(ctx context.Context) (bool, error) {
	v, err, _ := p.group.Do("status", func() (any, error) {
		return p.status(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// NotifyCheckoutSuccess вызывается при возврате с успешной оплаты:
// сохраняет метку и запускает цикл опроса.
func (p *Poller) NotifyCheckoutSuccess(ctx context.Context) {
	const op = "reconcile.Poller.NotifyCheckoutSuccess"
	now := p.now()
	if err := p.markers.SetCheckoutAt(now); err != nil {
		p.log.Warn("failed to persist checkout marker",
			sl.Op(op), sl.Err(err))
	}
	p.activate(ctx, now)
}

// Resume восстанавливает активацию по сохранённой метке, например после
// перезапуска клиента. Метка старше окна давности игнорируется.
func (p *Poller) Resume(ctx context.Context) {
	const op = "reconcile.Poller.Resume"
	checkoutAt, ok, err := p.markers.CheckoutAt()
	if err != nil {
		p.log.Warn("failed to read checkout marker",
			sl.Op(op), sl.Err(err))
		return
	}
	if !ok {
		return
	}
	if Begin(false, checkoutAt, p.now(), p.opts.RecencyWindow) != StateActivating {
		return
	}
	p.activate(ctx, checkoutAt)
}

// Stop останавливает цикл опроса и ждёт его завершения. Запланированные
// попытки отменяются, состояние после остановки больше не меняется.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) activate(ctx context.Context, checkoutAt time.Time) {
	p.mu.Lock()
	if p.state == StateActivating {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.state = StateActivating
	p.attempts = 0
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.run(runCtx, checkoutAt, done)
}

func (p *Poller) run(ctx context.Context, checkoutAt time.Time, done chan struct{}) {
	const op = "reconcile.Poller.run"
	defer close(done)

	log := p.log.With(sl.Op(op))
	windowEnd := checkoutAt.Add(p.opts.RecencyWindow)

	for {
		entitled, err := p.Query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.finish(StateIdle, false)
				return
			}
			// Ошибка опроса считается отрицательным ответом, попытка
			// расходуется по расписанию.
			log.Warn("status query failed", sl.Err(err))
			entitled = false
		}

		p.mu.Lock()
		p.attempts++
		attempts := p.attempts
		p.mu.Unlock()

		out := Step(StateActivating, Sample{
			Entitled:      entitled,
			AttemptsDone:  attempts,
			MaxAttempts:   p.opts.MaxAttempts,
			WindowElapsed: !p.now().Before(windowEnd),
		})

		switch {
		case out.Reason == ReasonEntitled:
			log.Info("entitlement confirmed", slog.Int("attempts", attempts))
			p.finish(StateIdle, out.ClearMarker)
			return
		case out.Reason == ReasonGaveUp:
			log.Info("giving up on activation", slog.Int("attempts", attempts))
			p.finish(StateIdle, out.ClearMarker)
			return
		case out.Retry:
			if !p.sleep(ctx, p.opts.Backoff) {
				p.finish(StateIdle, false)
				return
			}
		default:
			// Попытки исчерпаны, но окно давности ещё открыто: ждём его
			// конца и проверяем статус последний раз.
			if !p.sleep(ctx, windowEnd.Sub(p.now())) {
				p.finish(StateIdle, false)
				return
			}
			final, err := p.Query(ctx)
			if err != nil {
				final = false
			}
			if final {
				log.Info("entitlement confirmed at window end")
			} else {
				log.Info("giving up on activation at window end")
			}
			p.finish(StateIdle, true)
			return
		}
	}
}

// sleep ждёт d с возможностью отмены; false означает, что контекст
// завершился и дальнейшие попытки планировать нельзя.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Poller) finish(s State, clearMarker bool) {
	const op = "reconcile.Poller.finish"
	if clearMarker {
		if err := p.markers.Clear(); err != nil {
			p.log.Warn("failed to clear checkout marker",
				sl.Op(op), sl.Err(err))
		}
	}
	p.mu.Lock()
	p.state = s
	if p.cancel != nil {
		// Освобождаем регистрацию в родительском контексте и при
		// естественном завершении цикла, не только по Stop.
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
}
