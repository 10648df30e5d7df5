package sim

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/playmesh/playmesh/sim/clock"
	"github.com/playmesh/playmesh/sim/session"
	"github.com/playmesh/playmesh/sim/wire"
)

// Entity types used across the simulation tests.
const (
	actorTypeID  EntityTypeID = 1
	nodeTypeID   EntityTypeID = 2
	gaugeTypeID  EntityTypeID = 3
	burstTypeID  EntityTypeID = 4
	secretTypeID EntityTypeID = 5
	ghostTypeID  EntityTypeID = 6
)

var actorTestState = NewStateDescriptor(nil, []VarDef{
	{Tag: 1, Name: "position", Kind: KindVec3, Flags: VarPredicted | VarInterpolated | VarUpdatedFrequently, Priority: 100},
	{Tag: 2, Name: "health", Kind: KindFloat, Flags: VarInterpolated, Priority: 10},
	{Tag: 3, Name: "name", Kind: KindString},
	{Tag: 4, Name: "score", Kind: KindVarInt},
})

var (
	positionVar = actorTestState.MustVar(1)
	healthVar   = actorTestState.MustVar(2)
	nameVar     = actorTestState.MustVar(3)
	scoreVar    = actorTestState.MustVar(4)
)

var nodeTestState = NewStateDescriptor(nil, []VarDef{
	{Tag: 1, Name: "label", Kind: KindString},
})

var nodeLabelVar = nodeTestState.MustVar(1)

var gaugeTestState = NewStateDescriptor(nil, []VarDef{
	{Tag: 1, Name: "value", Kind: KindFloat, Flags: VarInterpolated},
})

var gaugeValueVar = gaugeTestState.MustVar(1)

// actorBehaviour moves the actor when a nudge command executes.
type actorBehaviour struct {
	NopBehaviour
}

func (actorBehaviour) ExecuteCommand(e *Entity, c Command) {
	if n, ok := c.(*nudgeCommand); ok {
		st := e.State()
		pos := st.Vec3(positionVar)
		pos[0] += float32(n.Amount)
		st.SetVec3(positionVar, pos)
	}
}

func testRegistry() *EntityRegistry {
	return NewEntityRegistry([]*EntityType{
		{ID: actorTypeID, Name: "actor", Flags: Predicted | Interpolated, State: actorTestState,
			New: func(*Entity) Behaviour { return actorBehaviour{} }},
		{ID: nodeTypeID, Name: "node", State: nodeTestState},
		{ID: gaugeTypeID, Name: "gauge", Flags: Interpolated, State: gaugeTestState},
		{ID: burstTypeID, Name: "burst", Flags: Transient, State: nodeTestState},
		{ID: secretTypeID, Name: "secret", Flags: OwnerOnly, State: nodeTestState},
		{ID: ghostTypeID, Name: "ghost", Flags: NotReplicated, State: nodeTestState},
	})
}

// nudgeCommand is a predicted test command moving an actor along the x axis.
type nudgeCommand struct {
	PredictedCommandBase
	Amount int32
}

func (c *nudgeCommand) Marshal(w *wire.Writer, _ float64) { w.Varint32(c.Amount) }
func (c *nudgeCommand) Unmarshal(r *wire.Reader, _ float64) {
	c.Amount = r.Varint32()
}
func (c *nudgeCommand) Reset() {
	c.PredictedCommandBase.Reset()
	c.Amount = 0
}

var nudgeDesc = NewCommandDesc(MakeCommandTypeID(7, 0), "nudge",
	CommandPredicted, func() Command { return &nudgeCommand{} })

// noteCommand is an unpredicted test command with a string payload.
type noteCommand struct {
	CommandBase
	Text string
}

func (c *noteCommand) Marshal(w *wire.Writer, _ float64)   { w.String(c.Text) }
func (c *noteCommand) Unmarshal(r *wire.Reader, _ float64) { c.Text = r.String() }
func (c *noteCommand) Reset() {
	c.CommandBase.Reset()
	c.Text = ""
}

var noteDesc = NewCommandDesc(MakeCommandTypeID(7, 1), "note",
	0, func() Command { return &noteCommand{} })

func testCommandRegistry() *CommandRegistry {
	r := NewCommandRegistry()
	r.Register(nudgeDesc)
	r.Register(noteDesc)
	return r
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureConn records every packet written to it and refuses reads; tests
// deliver the captured packets by hand for determinism.
type captureConn struct {
	mu      sync.Mutex
	packets [][]byte
}

func (c *captureConn) WritePacket(b []byte) error {
	c.mu.Lock()
	c.packets = append(c.packets, slices.Clone(b))
	c.mu.Unlock()
	return nil
}

func (c *captureConn) ReadPacket() ([]byte, error) {
	return nil, errors.New("captureConn does not read")
}

func (c *captureConn) Close() error { return nil }

func (c *captureConn) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.packets
	c.packets = nil
	return out
}

// testEnv wires a server and a client simulator with hand-driven packet
// delivery and deterministic clocks.
type testEnv struct {
	t *testing.T

	server *ServerSimulator
	client *ClientSimulator
	user   *session.User

	serverOut *captureConn
	clientOut *captureConn

	serverWall time.Time
	clientWall time.Time

	tick        int64
	clientTickN int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:          t,
		serverOut:  &captureConn{},
		clientOut:  &captureConn{},
		serverWall: time.Unix(0, 0),
		clientWall: time.Unix(0, 0),
	}

	env.server = Config{
		Log:      discardLogger(),
		Clock:    clock.NewFunc(func() time.Time { return env.serverWall }),
		Entities: testRegistry(),
		Commands: testCommandRegistry(),
	}.NewServer()

	u, err := env.server.AdmitUser(uuid.New(), "tester", env.serverOut)
	if err != nil {
		t.Fatalf("admit user: %v", err)
	}
	env.user = u

	clientUsers := session.NewRegistry()
	local := session.NewUser(u.SessionID(), u.WireID(), u.Name())
	clientUsers.SetLocal(local)

	env.client = Config{
		Log:      discardLogger(),
		Clock:    clock.NewFunc(func() time.Time { return env.clientWall }),
		Entities: testRegistry(),
		Commands: testCommandRegistry(),
		Users:    clientUsers,
		Send:     env.clientOut.WritePacket,
	}.NewClient()
	return env
}

// serverTick advances the server by one 50 ms tick.
func (env *testEnv) serverTick() {
	env.serverWall = env.serverWall.Add(50 * time.Millisecond)
	env.server.Clock().StepGameTime(0.05)
	env.tick++
	env.server.Update(&Frame{Time: env.server.Clock().GameTime(), Delta: 0.05, Tick: env.tick})
}

// clientTick advances the client by one 50 ms tick.
func (env *testEnv) clientTick() error {
	env.clientWall = env.clientWall.Add(50 * time.Millisecond)
	env.client.Clock().StepGameTime(0.05)
	env.clientTickN++
	return env.client.Update(&Frame{Time: env.client.Clock().GameTime(), Delta: 0.05, Tick: env.clientTickN})
}

// deliverToClient hands every pending server packet to the client.
func (env *testEnv) deliverToClient() int {
	packets := env.serverOut.take()
	for _, p := range packets {
		env.client.HandleSyncSimulation(nil, p)
	}
	return len(packets)
}

// deliverToServer hands every pending client packet to the server.
func (env *testEnv) deliverToServer() int {
	packets := env.clientOut.take()
	for _, p := range packets {
		if !env.server.HandleExecCommands(env.user, p) {
			env.t.Fatalf("server rejected exec commands packet")
		}
	}
	return len(packets)
}
