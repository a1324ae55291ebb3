/*
 * Copyright (c) 2021. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func TestRegistryServesRegisteredMetrics(t *testing.T) {
	TaskTable.Set(3)
	ContainersStarted.Inc()
	IPCBufferFull.Inc()

	ts := httptest.NewServer(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	require.Contains(t, text, "sandrun_supervisor_task_table_size")
	require.Contains(t, text, "sandrun_supervisor_containers_started_total")
	require.Contains(t, text, "sandrun_ipc_buffer_full_total")
}

func TestServeRejectsEmptyAddress(t *testing.T) {
	err := Serve(context.Background(), "")
	require.Error(t, err)
}
