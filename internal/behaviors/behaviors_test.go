package behaviors

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/supervise"
)

type pidController struct {
	supervise.ProcessController
	path string
}

func (c pidController) PIDFile() string { return c.path }

type owner struct {
	ctrl supervise.ProcessController

	mu       sync.Mutex
	messages []string
	specs    []*supervise.NotifySpec
}

func (o *owner) Name() string                            { return "app" }
func (o *owner) State() supervise.State                  { return supervise.StateUp }
func (o *owner) Logger() *slog.Logger                    { return slog.Default() }
func (o *owner) Trigger(supervise.Condition)             {}
func (o *owner) Monitor(context.Context) error           { return nil }
func (o *owner) Events() supervise.EventSource           { return nil }
func (o *owner) Controller() supervise.ProcessController { return o.ctrl }
func (o *owner) Go(fn func(context.Context))             { go fn(context.Background()) }

func (o *owner) Notify(_ context.Context, spec *supervise.NotifySpec, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.specs = append(o.specs, spec)
	o.messages = append(o.messages, msg)
}

func decode(t *testing.T, src string) supervise.Behavior {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &node))
	b, err := Decode(node.Content[0])
	require.NoError(t, err)
	return b
}

func TestCleanPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	require.NoError(t, os.WriteFile(path, []byte("123\n"), 0o644))

	b := &CleanPIDFile{}
	b.Bind(&owner{ctrl: pidController{path: path}})
	require.NoError(t, b.Validate())

	ctx := context.Background()
	assert.Empty(t, b.BeforeAction(ctx, supervise.StateStop))
	assert.FileExists(t, path)

	assert.Equal(t, "deleted pid file", b.BeforeAction(ctx, supervise.StateStart))
	assert.NoFileExists(t, path)
	assert.Equal(t, "no pid file to delete", b.BeforeAction(ctx, supervise.StateStart))
}

func TestCleanPIDFileRequiresPIDFile(t *testing.T) {
	b := &CleanPIDFile{}
	b.Bind(&owner{ctrl: pidController{}})
	var verr *supervise.ValidationError
	assert.ErrorAs(t, b.Validate(), &verr)

	b = &CleanPIDFile{}
	b.Bind(&owner{})
	assert.Error(t, b.Validate())
}

func TestNotifyWhenFlapping(t *testing.T) {
	b := decode(t, `
kind: notify_when_flapping
failures: 3
seconds: 60s
notify: ops
`).(*NotifyWhenFlapping)

	o := &owner{}
	b.Bind(o)
	require.NoError(t, b.Validate())

	base := time.Unix(1_700_000_000, 0)
	at := base
	b.now = func() time.Time { return at }
	ctx := context.Background()

	b.BeforeAction(ctx, supervise.StateStart)
	at = base.Add(10 * time.Second)
	b.BeforeAction(ctx, supervise.StateRestart)
	at = base.Add(20 * time.Second)
	b.BeforeAction(ctx, supervise.StateStop)
	assert.Empty(t, o.messages)

	at = base.Add(30 * time.Second)
	b.BeforeAction(ctx, supervise.StateRestart)
	require.Len(t, o.messages, 1)
	assert.Equal(t, "app has called start/restart 3 times in 1m0s", o.messages[0])
	assert.Equal(t, []string{"ops"}, o.specs[0].Contacts)

	// The first two startups age out of the window.
	at = base.Add(75 * time.Second)
	b.BeforeAction(ctx, supervise.StateStart)
	assert.Len(t, o.messages, 1)
}

func TestNotifyWhenFlappingValidate(t *testing.T) {
	for name, b := range map[string]*NotifyWhenFlapping{
		"no failures": {Seconds: time.Minute, Notify: "ops"},
		"no seconds":  {Failures: 2, Notify: "ops"},
		"no notify":   {Failures: 2, Seconds: time.Minute},
	} {
		t.Run(name, func(t *testing.T) {
			var verr *supervise.ValidationError
			assert.ErrorAs(t, b.Validate(), &verr)
		})
	}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"clean_pid_file", "notify_when_flapping"}, Kinds())

	_, err := New("bogus")
	assert.ErrorIs(t, err, supervise.ErrNoSuchBehavior)

	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("failures: 1\n"), &node))
	_, err = Decode(node.Content[0])
	assert.Error(t, err)
}

func TestAttachToWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	s := supervise.New()
	w := s.NewWatch("app", pidController{path: path})
	require.NoError(t, w.AddBehavior(decode(t, "kind: clean_pid_file\n")))

	w2 := s.NewWatch("other", pidController{})
	assert.Error(t, w2.AddBehavior(&CleanPIDFile{}))
}
