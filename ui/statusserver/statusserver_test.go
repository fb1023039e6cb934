// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/ml/losses"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/dehaze/pkg/ml/optimizers"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct{ batch *batching.Batch }

func (s fixedSource) Next(context.Context) (*batching.Batch, error) { return s.batch, nil }

func newTrainer(t *testing.T, steps int) *train.Trainer {
	hazed, target := tensors.NewImage(3, 3), tensors.NewImage(3, 3)
	for ii := range hazed.Data() {
		hazed.Data()[ii] = float64(ii%5) - 2
		target.Data()[ii] = float64(ii%3) / 2
	}
	batch, err := batching.NewBatch([]batching.Example{{Hazed: hazed, Clear: target, Index: "0001"}})
	require.NoError(t, err)
	m := model.NewResidualCNN(2, 1)
	tc := train.NewTrainingContext(m, optimizers.Adam(), optimizers.ExponentialDecay{Initial: 1e-3, Factor: 0.1, DecaySteps: 10}, 0.999)
	return train.New(tc, train.NewCPUDevices("tower", []int{0}, m, losses.MeanSquaredError{}), fixedSource{batch}).Steps(steps)
}

func getStatus(t *testing.T, url string) Status {
	resp, err := http.Get(url + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func TestStatus(t *testing.T) {
	trainer := newTrainer(t, 4)
	s := New(trainer).WithQueueStats(func() batching.Stats {
		return batching.Stats{Mode: batching.Shuffled, Size: 7, Capacity: 10}
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	status := getStatus(t, ts.URL)
	assert.Equal(t, "Uninitialized", status.Phase)
	assert.Equal(t, 0, status.Step)
	require.NotNil(t, status.Queue)
	assert.Equal(t, 7, status.Queue.Size)
	assert.Equal(t, batching.Shuffled.String(), status.Queue.Mode)

	require.NoError(t, trainer.Run(context.Background()))
	status = getStatus(t, ts.URL)
	assert.Equal(t, "Stopped", status.Phase)
	assert.Equal(t, 4, status.Step)
	assert.Equal(t, 4, status.End)
	assert.Equal(t, trainer.Context().RunID, status.RunID)
	assert.Greater(t, status.Loss, 0.0)
}

func TestWebsocket(t *testing.T) {
	trainer := newTrainer(t, 6)
	s := New(trainer)
	Attach(trainer, s, 2)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// First message is sent on connection.
	var status Status
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "Uninitialized", status.Phase)
	require.Eventually(t, func() bool { return s.NumClients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, trainer.Run(context.Background()))
	// Broadcasts at steps 0, 2 and 4, and at the end.
	var steps []int
	for range 4 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&status))
		steps = append(steps, status.Step)
	}
	assert.Equal(t, []int{1, 3, 5, 6}, steps)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 0, s.NumClients())
}

func TestStartAndClose(t *testing.T) {
	s := New(newTrainer(t, 1))
	addr, err := s.Start("127.0.0.1:0")
	require.NoError(t, err)
	status := getStatus(t, "http://"+addr)
	assert.Equal(t, "residual_cnn_2", status.Model)
	require.NoError(t, s.Close(context.Background()))
	_, err = http.Get("http://" + addr + "/status")
	require.Error(t, err)
}
