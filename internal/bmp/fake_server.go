// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
)

// FakeServer is an in-memory BMP that speaks HTTPDriver's wire
// protocol, used by internal/power's tests in place of real hardware.
// It can be told to fail the next N requests, letting tests exercise
// the failure-count and backoff paths without a real BMP.
type FakeServer struct {
	server *httptest.Server
	router *mux.Router

	mu           sync.Mutex
	failNext     int
	power        map[int]boardPowerOp
	blacklists   map[int][]byte
	serials      map[int]string
	appliedCalls int
}

// NewFakeServer starts a FakeServer listening on a loopback port.
func NewFakeServer() *FakeServer {
	f := &FakeServer{
		router:     mux.NewRouter(),
		power:      make(map[int]boardPowerOp),
		blacklists: make(map[int][]byte),
		serials:    make(map[int]string),
	}
	f.router.HandleFunc("/power", f.handlePower).Methods(http.MethodPost)
	f.router.HandleFunc("/blacklist", f.handleBlacklistGet).Methods(http.MethodGet)
	f.router.HandleFunc("/blacklist", f.handleBlacklistPost).Methods(http.MethodPost)
	f.router.HandleFunc("/serial", f.handleSerial).Methods(http.MethodGet)
	f.server = httptest.NewServer(f.router)
	return f
}

// Address returns the base URL HTTPDriver should use for this fake.
func (f *FakeServer) Address() string { return f.server.URL }

// Close stops the underlying httptest.Server.
func (f *FakeServer) Close() { f.server.Close() }

// FailNext makes the next n requests return 500, simulating hardware
// that is unreachable or erroring.
func (f *FakeServer) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// PowerState returns the last applied power/FPGA state for a board.
func (f *FakeServer) PowerState(boardNum int) (boardPowerOp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.power[boardNum]
	return op, ok
}

// AppliedCalls counts how many /power requests succeeded.
func (f *FakeServer) AppliedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appliedCalls
}

func (f *FakeServer) SetSerial(boardNum int, serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serials[boardNum] = serial
}

func (f *FakeServer) consumeFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return true
	}
	return false
}

func (f *FakeServer) handlePower(w http.ResponseWriter, r *http.Request) {
	if f.consumeFailure() {
		http.Error(w, "simulated bmp failure", http.StatusInternalServerError)
		return
	}

	var body powerRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	for _, op := range body.Boards {
		f.power[op.Board] = op
	}
	f.appliedCalls++
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (f *FakeServer) handleBlacklistGet(w http.ResponseWriter, r *http.Request) {
	if f.consumeFailure() {
		http.Error(w, "simulated bmp failure", http.StatusInternalServerError)
		return
	}
	boardNum := intQuery(r, "board")

	f.mu.Lock()
	data := f.blacklists[boardNum]
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(struct {
		Data []byte `json:"data"`
	}{Data: data})
}

func (f *FakeServer) handleBlacklistPost(w http.ResponseWriter, r *http.Request) {
	if f.consumeFailure() {
		http.Error(w, "simulated bmp failure", http.StatusInternalServerError)
		return
	}
	boardNum := intQuery(r, "board")

	var body struct {
		Data []byte `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.blacklists[boardNum] = body.Data
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (f *FakeServer) handleSerial(w http.ResponseWriter, r *http.Request) {
	if f.consumeFailure() {
		http.Error(w, "simulated bmp failure", http.StatusInternalServerError)
		return
	}
	boardNum := intQuery(r, "board")

	f.mu.Lock()
	serial := f.serials[boardNum]
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(struct {
		Serial string `json:"serial"`
	}{Serial: serial})
}

func intQuery(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
