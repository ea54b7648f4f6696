package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIsLIFOAndContinuesPastErrors(t *testing.T) {
	m := New(0)
	var order []string
	m.Register("client", func(context.Context) error {
		order = append(order, "client")
		return nil
	})
	m.Register("comms", func(context.Context) error {
		order = append(order, "comms")
		return errors.New("worker gone")
	})
	m.Register("pool", func(context.Context) error {
		order = append(order, "pool")
		return nil
	})

	errs := m.Run(context.Background())

	assert.Equal(t, []string{"pool", "comms", "client"}, order)
	require.Len(t, errs, 1)
	var stepErr *StepError
	require.ErrorAs(t, errs[0], &stepErr)
	assert.Equal(t, "comms", stepErr.Step)
}

func TestRunOnlyOnce(t *testing.T) {
	m := New(0)
	calls := 0
	m.Register("once", func(context.Context) error {
		calls++
		return nil
	})

	m.Run(context.Background())
	m.Run(context.Background())

	assert.Equal(t, 1, calls)
	assert.True(t, m.Done())
}

func TestRegisterAfterRunIsIgnored(t *testing.T) {
	m := New(0)
	m.Run(context.Background())
	called := false
	m.Register("late", func(context.Context) error {
		called = true
		return nil
	})
	m.Run(context.Background())
	assert.False(t, called)
}

type closer struct{ closed int }

func (c *closer) Close() error {
	c.closed++
	if c.closed > 1 {
		return errors.New("already closed")
	}
	return nil
}

func TestCloseResource(t *testing.T) {
	c := &closer{}
	m := New(0)
	m.Register("log-file", CloseResource(c))

	assert.Empty(t, m.Run(context.Background()))
	assert.Equal(t, 1, c.closed)
}

func TestStopHTTPServer(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Start()
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	m := New(0)
	m.Register("http", StopHTTPServer(srv.Config))
	assert.Empty(t, m.Run(context.Background()))

	_, err = client.Get(srv.URL)
	assert.Error(t, err)
}
