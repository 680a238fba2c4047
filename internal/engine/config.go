package engine

import "time"

// Config carries the runtime knobs of the dataflow engine. Zero values
// are replaced by the defaults below at master construction.
type Config struct {
	// Workers is the number of worker threads the master spawns.
	Workers int

	// DefaultTickets is a stride-scheduling ticket count carried in the
	// config. NewTask does not read it: a task that never calls
	// SetTickets gets the package constant DefaultTickets.
	DefaultTickets int

	// TimerBurst bounds how many expired timers one inspection fires
	// before tasks get to run again.
	TimerBurst int

	// MaxTimerStride caps the per-worker governor that decides how many
	// task dispatches happen between timer-heap inspections.
	MaxTimerStride int

	// MinIdleSleep is the shortest pending timer deadline for which an
	// idle worker actually blocks; anything sooner spins through the
	// loop once more.
	MinIdleSleep time.Duration

	// TimerBehindWarn is how late a timer may fire before the worker
	// logs a warning (the first few per worker). Expiries are not
	// adjusted: a timer scheduled in the past keeps its expiry.
	TimerBehindWarn time.Duration

	// LockOSThread pins each worker goroutine to an OS thread.
	LockOSThread bool
}

func DefaultConfig() Config {
	return Config{
		Workers:         1,
		DefaultTickets:  DefaultTickets,
		TimerBurst:      64,
		MaxTimerStride:  32,
		MinIdleSleep:    10 * time.Microsecond,
		TimerBehindWarn: time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DefaultTickets <= 0 {
		cfg.DefaultTickets = def.DefaultTickets
	}
	if cfg.TimerBurst <= 0 {
		cfg.TimerBurst = def.TimerBurst
	}
	if cfg.MaxTimerStride <= 0 {
		cfg.MaxTimerStride = def.MaxTimerStride
	}
	if cfg.MinIdleSleep <= 0 {
		cfg.MinIdleSleep = def.MinIdleSleep
	}
	if cfg.TimerBehindWarn <= 0 {
		cfg.TimerBehindWarn = def.TimerBehindWarn
	}

	return cfg
}
