package nacos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	content  string
	onChange func(namespace, group, dataId, data string)
	canceled bool
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.content, nil }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = p.OnChange
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	return nil
}

func (f *fakeSource) isCanceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

func TestWatchAppliesInitialAndChanges(t *testing.T) {
	src := &fakeSource{content: "log:\n  level: info\n"}
	var got []string
	apply := func(doc string) error {
		got = append(got, doc)
		if doc == "bad" {
			return errors.New("bad yaml")
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, Watch(ctx, src, "chatcore.yaml", "DEFAULT_GROUP", apply))
	require.NotNil(t, src.onChange)
	src.onChange("public", "DEFAULT_GROUP", "chatcore.yaml", "bad")
	src.onChange("public", "DEFAULT_GROUP", "chatcore.yaml", "log:\n  level: debug\n")
	assert.Equal(t, []string{"log:\n  level: info\n", "bad", "log:\n  level: debug\n"}, got)

	cancel()
	assert.Eventually(t, src.isCanceled, time.Second, 10*time.Millisecond)
}

type fakeNaming struct {
	reg   *vo.RegisterInstanceParam
	dereg bool
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.reg = &p
	return true, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.dereg = true
	return true, nil
}

func TestRegistry(t *testing.T) {
	n := &fakeNaming{}
	r := NewRegistry(n, "chatcore-gateway", "10.0.0.5", 8080)
	require.NoError(t, r.Register())
	require.NotNil(t, n.reg)
	assert.Equal(t, "chatcore-gateway", n.reg.ServiceName)
	assert.Equal(t, uint64(8080), n.reg.Port)
	assert.Equal(t, "ws", n.reg.Metadata["protocol"])
	r.Deregister()
	assert.True(t, n.dereg)
}
