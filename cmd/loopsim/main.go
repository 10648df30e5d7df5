// Command loopsim runs a server and a client simulator in one process,
// connected through an in-memory pipe. It demonstrates how a host wires the
// simulation: registries, sessions, packet switches and tick loops.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/playmesh/playmesh/sim"
	"github.com/playmesh/playmesh/sim/session"
	"github.com/playmesh/playmesh/sim/wire"
)

const (
	actorTypeID sim.EntityTypeID = 1

	demoModuleID = 1
)

var moveCommandID = sim.MakeCommandTypeID(demoModuleID, 0)

var actorState = sim.NewStateDescriptor(nil, []sim.VarDef{
	{Tag: 1, Name: "position", Kind: sim.KindVec3, Flags: sim.VarPredicted | sim.VarInterpolated | sim.VarUpdatedFrequently, Priority: 100},
	{Tag: 2, Name: "rotation", Kind: sim.KindQuat, Flags: sim.VarInterpolated | sim.VarNormalized, Priority: 90},
	{Tag: 3, Name: "color", Kind: sim.KindColor},
	{Tag: 4, Name: "name", Kind: sim.KindString},
})

var (
	positionVar = actorState.MustVar(1)
	rotationVar = actorState.MustVar(2)
	colorVar    = actorState.MustVar(3)
	nameVar     = actorState.MustVar(4)
)

// MoveCommand is a predicted, time-carrying command nudging an actor.
type MoveCommand struct {
	sim.PredictedCommandBase
	Dir  mgl32.Vec3
	Time float64
}

func (c *MoveCommand) Marshal(w *wire.Writer, baseTime float64) {
	w.Vec3(c.Dir)
	sim.PutTime(w, baseTime, c.Time)
}

func (c *MoveCommand) Unmarshal(r *wire.Reader, baseTime float64) {
	c.Dir = r.Vec3()
	c.Time = sim.GetTime(r, baseTime)
}

func (c *MoveCommand) CommandTime() float64     { return c.Time }
func (c *MoveCommand) SetCommandTime(t float64) { c.Time = t }

func (c *MoveCommand) Reset() {
	c.PredictedCommandBase.Reset()
	c.Dir = mgl32.Vec3{}
	c.Time = 0
}

var moveDesc = sim.NewCommandDesc(moveCommandID, "move",
	sim.CommandPredicted|sim.CommandTime, func() sim.Command { return &MoveCommand{} })

// actorBehaviour applies move commands to the actor state.
type actorBehaviour struct {
	sim.NopBehaviour
}

func (actorBehaviour) ExecuteCommand(e *sim.Entity, c sim.Command) {
	mc, ok := c.(*MoveCommand)
	if !ok {
		return
	}
	st := e.State()
	st.SetVec3(positionVar, st.Vec3(positionVar).Add(mc.Dir))
}

func registries() (*sim.EntityRegistry, *sim.CommandRegistry) {
	entities := sim.NewEntityRegistry([]*sim.EntityType{{
		ID:    actorTypeID,
		Name:  "actor",
		Flags: sim.Predicted | sim.Interpolated,
		State: actorState,
		New:   func(*sim.Entity) sim.Behaviour { return actorBehaviour{} },
	}})
	commands := sim.NewCommandRegistry()
	commands.Register(moveDesc)
	return entities, commands
}

func main() {
	duration := flag.Duration("duration", 3*time.Second, "how long to run the loop")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	entities, commands := registries()

	// Authoritative side.
	server := sim.Config{
		Log:      log.With("side", "server"),
		Entities: entities,
		Commands: commands,
	}.NewServer()
	serverSwitch := session.NewSwitch(log)
	server.RegisterHandlers(serverSwitch)

	serverConn, clientConn := session.Pipe()
	user, err := server.AdmitUser(uuid.New(), "player", serverConn)
	if err != nil {
		log.Error("admit user: " + err.Error())
		os.Exit(1)
	}

	actor, err := server.CreateEntity(actorTypeID, user)
	if err != nil {
		log.Error("create actor: " + err.Error())
		os.Exit(1)
	}
	actor.State().SetString(nameVar, user.Name())
	actor.State().SetColor(colorVar, 0xff00ff00)
	actor.State().SetQuat(rotationVar, mgl32.QuatIdent())

	// Predicting side.
	clientUsers := session.NewRegistry()
	local := session.NewUser(user.SessionID(), user.WireID(), user.Name())
	local.Attach(clientConn)
	clientUsers.SetLocal(local)

	client := sim.Config{
		Log:      log.With("side", "client"),
		Entities: entities,
		Commands: commands,
		Users:    clientUsers,
	}.NewClient()
	clientSwitch := session.NewSwitch(log)
	client.RegisterHandlers(clientSwitch)

	done := make(chan struct{})
	go pump(serverConn, user, serverSwitch, done)
	go pump(clientConn, nil, clientSwitch, done)
	go server.Run(50*time.Millisecond, done)
	go func() {
		if err := client.Run(50*time.Millisecond, done); err != nil {
			log.Error("client stopped: " + err.Error())
		}
	}()

	// Feed the client some input while the loop runs.
	input := time.NewTicker(100 * time.Millisecond)
	defer input.Stop()
	end := time.After(*duration)
	for running := true; running; {
		select {
		case <-input.C:
			cmd, err := client.CreateCommand(moveCommandID)
			if err != nil {
				continue
			}
			mc := cmd.(*MoveCommand)
			mc.SetTarget(actor.ID())
			mc.Dir = mgl32.Vec3{0.1, 0, 0}
			mc.Time = client.Clock().GameTime()
			client.SubmitCommand(mc)
		case <-end:
			running = false
		}
	}
	close(done)
	time.Sleep(100 * time.Millisecond)

	serverStats, clientStats := server.Stats(), client.Stats()
	log.Info("server stats", "packets_out", serverStats.PacketsOut, "bytes_out", serverStats.BytesOut,
		"commands_in", serverStats.CommandsIn)
	log.Info("client stats", "packets_in", clientStats.PacketsIn, "bytes_in", clientStats.BytesIn,
		"commands_out", clientStats.CommandsOut)
	if e, ok := client.Entity(actor.ID()); ok {
		log.Info("actor on client", "position", e.State().Vec3(positionVar), "name", e.State().String(nameVar))
	}
}

// pump reads packets from a connection and dispatches them through a switch
// until the connection closes or done closes.
func pump(conn session.Conn, sender *session.User, sw *session.Switch, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		b, err := conn.ReadPacket()
		if err != nil {
			return
		}
		sw.Dispatch(sender, b)
	}
}
