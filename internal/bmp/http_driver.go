// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
	"github.com/spinnaker-tools/spalloc-core/pkg/logging"
	"github.com/spinnaker-tools/spalloc-core/pkg/pool"
)

// HTTPDriver is the production Driver: one BMP per rack speaks a
// small JSON-over-HTTP protocol (spalloc's own, not SpiNNaker's
// native binary one) reachable at http://<address>/. Requests carry
// an idempotency token so a retried power change after a timeout
// cannot be double-applied.
type HTTPDriver struct {
	clients *pool.HTTPClientPool
	log     logging.Logger
}

// NewHTTPDriver builds a driver backed by a shared per-endpoint HTTP
// client pool, so repeated calls to the same BMP reuse connections.
func NewHTTPDriver(log logging.Logger) *HTTPDriver {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &HTTPDriver{
		clients: pool.NewHTTPClientPool(nil, log),
		log:     log,
	}
}

type powerRequestBody struct {
	RequestID string         `json:"request_id"`
	Boards    []boardPowerOp `json:"boards"`
}

type boardPowerOp struct {
	Cabinet int     `json:"cabinet"`
	Frame   int     `json:"frame"`
	Board   int     `json:"board"`
	Power   bool    `json:"power"`
	FPGA    [6]bool `json:"fpga"`
}

func (d *HTTPDriver) SetPower(ctx context.Context, address string, reqs []PowerRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	body := powerRequestBody{RequestID: reqs[0].RequestID}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	for _, r := range reqs {
		body.Boards = append(body.Boards, boardPowerOp{
			Cabinet: r.Cabinet, Frame: r.Frame, Board: r.BoardNum,
			Power: r.Power, FPGA: r.FPGA,
		})
	}

	return d.postJSON(ctx, address, address+"/power", body, nil)
}

func (d *HTTPDriver) ReadBlacklist(ctx context.Context, address string, boardNum int) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	url := fmt.Sprintf("%s/blacklist?board=%d", address, boardNum)
	if err := d.getJSON(ctx, address, url, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (d *HTTPDriver) WriteBlacklist(ctx context.Context, address string, boardNum int, data []byte) error {
	url := fmt.Sprintf("%s/blacklist?board=%d", address, boardNum)
	return d.postJSON(ctx, address, url, struct {
		Data []byte `json:"data"`
	}{Data: data}, nil)
}

func (d *HTTPDriver) ReadSerial(ctx context.Context, address string, boardNum int) (string, error) {
	var out struct {
		Serial string `json:"serial"`
	}
	url := fmt.Sprintf("%s/serial?board=%d", address, boardNum)
	if err := d.getJSON(ctx, address, url, &out); err != nil {
		return "", err
	}
	return out.Serial, nil
}

// postJSON and getJSON take both the pool key (address, the BMP's
// bare endpoint) and the full request url, since GET requests append
// query parameters the pool must not key connections on.
func (d *HTTPDriver) postJSON(ctx context.Context, address, url string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errors.NewBadRequest("encode BMP request body: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return errors.NewIOError("build BMP request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return d.do(req, address, out)
}

func (d *HTTPDriver) getJSON(ctx context.Context, address, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.NewIOError("build BMP request", err)
	}
	return d.do(req, address, out)
}

func (d *HTTPDriver) do(req *http.Request, address string, out interface{}) error {
	client := d.clients.GetClient(address)
	resp, err := client.Do(req)
	if err != nil {
		return errors.NewBMPFailure(address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.NewBMPFailure(address, fmt.Errorf("bmp returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errors.NewBadRequest(fmt.Sprintf("bmp %s rejected request with status %d", address, resp.StatusCode))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewIOError("decode BMP response", err)
	}
	return nil
}
