package sim

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/playmesh/playmesh/sim/clock"
	"github.com/playmesh/playmesh/sim/session"
	"github.com/playmesh/playmesh/sim/userdb"
)

// Config contains the collaborators and knobs for building a simulator.
type Config struct {
	// Log is the Logger to use for logging information. If nil, Log is set to
	// slog.Default().
	Log *slog.Logger
	// Clock provides the time domains of the simulation. If nil, a new clock
	// starting at zero is created.
	Clock *clock.Clock
	// Commands is the command registry. If nil, a registry holding only the
	// built-in commands is created.
	Commands *CommandRegistry
	// Entities is the entity type registry. Simulators cannot run without
	// registered entity types, so Config panics if it is left nil.
	Entities *EntityRegistry
	// Users is the user registry shared with the session layer. If nil, a new
	// empty registry is created.
	Users *session.Registry
	// Send is the client's packet sink towards the server. If nil, packets
	// are sent through the local user's connection.
	Send func(b []byte) error
	// SchedulerBudget is the wall-clock budget of one scheduler pass. Zero
	// disables early termination between priority buckets.
	SchedulerBudget time.Duration
	// InterpolationDelay is how far behind estimated server time the client
	// renders interpolated entities, in seconds. Defaults to two ticks.
	InterpolationDelay float64
	// GlobalCommands handles application commands with no target entity.
	GlobalCommands func(c Command)
	// Allower decides which users a server admits. If nil, everyone is
	// admitted.
	Allower session.Allower
	// UserStore persists user identities across connections. May be nil.
	UserStore *userdb.Store
}

// fill applies the config defaults.
func (conf Config) fill() Config {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	if conf.Commands == nil {
		conf.Commands = NewCommandRegistry()
	}
	if conf.Entities == nil {
		panic("sim: config requires an entity registry")
	}
	if conf.Users == nil {
		conf.Users = session.NewRegistry()
	}
	if conf.InterpolationDelay == 0 {
		conf.InterpolationDelay = 0.1
	}
	return conf
}

// UserConfig is the user-facing configuration of a simulation host. It may be
// serialised to TOML and converted to a Config by calling UserConfig.Config.
type UserConfig struct {
	Network struct {
		// Address is the address a server host should listen on.
		Address string
	}
	Simulation struct {
		// TickRate is the number of simulation ticks per second.
		TickRate int
		// SchedulerBudgetMillis bounds the wall-clock time of one scheduler
		// pass. Zero disables the budget.
		SchedulerBudgetMillis int
	}
	Client struct {
		// InterpolationDelayMillis is how far behind server time interpolated
		// entities render.
		InterpolationDelayMillis int
	}
	AllowList struct {
		// Enabled controls if the allow list is enforced for joining users.
		Enabled bool
		// File is the path to the allow list TOML file.
		File string
	}
	Users struct {
		// SaveData controls whether user identities persist across restarts.
		SaveData bool
		// Folder is where the user database is stored.
		Folder string
	}
}

// TickInterval returns the duration of one tick.
func (uc UserConfig) TickInterval() time.Duration {
	rate := uc.Simulation.TickRate
	if rate <= 0 {
		rate = 20
	}
	return time.Second / time.Duration(rate)
}

// Config converts a UserConfig to a Config. An error is returned if the allow
// list or the user database cannot be opened.
func (uc UserConfig) Config(log *slog.Logger) (Config, error) {
	conf := Config{
		Log:                log,
		SchedulerBudget:    time.Duration(uc.Simulation.SchedulerBudgetMillis) * time.Millisecond,
		InterpolationDelay: float64(uc.Client.InterpolationDelayMillis) / 1000,
	}
	if uc.AllowList.File != "" {
		al, err := session.LoadAllowList(uc.AllowList.File)
		if err != nil {
			return conf, fmt.Errorf("load allow list: %w", err)
		}
		al.SetEnabled(uc.AllowList.Enabled)
		conf.Allower = al
	}
	if uc.Users.SaveData {
		store, err := userdb.Open(uc.Users.Folder)
		if err != nil {
			return conf, fmt.Errorf("open user store: %w", err)
		}
		conf.UserStore = store
	}
	return conf, nil
}

// DefaultConfig returns a configuration with the default values filled out.
func DefaultConfig() UserConfig {
	c := UserConfig{}
	c.Network.Address = ":19333"
	c.Simulation.TickRate = 20
	c.Simulation.SchedulerBudgetMillis = 10
	c.Client.InterpolationDelayMillis = 100
	c.AllowList.File = "allowlist.toml"
	c.Users.SaveData = false
	c.Users.Folder = "users"
	return c
}
