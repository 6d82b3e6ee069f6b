package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Rank identifies a process of the run. Rank 0 is the coordinator.
type Rank int

const (
	// CoordinatorRank is the rank of the coordinator process.
	CoordinatorRank Rank = 0
	// AnyRank matches any sender in Recv.
	AnyRank Rank = -1
)

// Role is the part a rank plays in the run. It is derived once from the rank
// and passed explicitly to whoever needs it.
type Role int

const (
	// RoleCoordinator owns the global model and drives rounds.
	RoleCoordinator Role = iota
	// RoleWorker trains the clients it is assigned.
	RoleWorker
)

// RoleOf returns the role of rank r.
func RoleOf(r Rank) Role {
	if r == CoordinatorRank {
		return RoleCoordinator
	}
	return RoleWorker
}

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// Tag separates independent message streams sharing one fabric.
type Tag string

const (
	// TagProtocol carries coordinator/worker protocol messages.
	TagProtocol Tag = "protocol"
	// TagBarrier carries barrier arrivals and releases.
	TagBarrier Tag = "barrier"
)

// Envelope is the unit delivered between ranks.
type Envelope struct {
	From    Rank   `msgpack:"from"`
	To      Rank   `msgpack:"to"`
	Tag     Tag    `msgpack:"tag"`
	Payload []byte `msgpack:"payload"`
}

// RankInfo describes a rank reachable over HTTP.
type RankInfo struct {
	Rank Rank   `json:"rank"`
	Addr string `json:"addr"`
}

// ParsePeers parses a peer table of the form "0=host:port,1=host:port".
// Ranks must form the contiguous range 0..n-1.
func ParsePeers(s string) ([]RankInfo, error) {
	var peers []RankInfo
	seen := make(map[Rank]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		if !ok || v == "" {
			return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("bad peer entry %q", item))
		}
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || n < 0 {
			return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("bad peer rank %q", k))
		}
		r := Rank(n)
		if seen[r] {
			return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("duplicate peer rank %d", r))
		}
		seen[r] = true
		peers = append(peers, RankInfo{Rank: r, Addr: strings.TrimSpace(v)})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Rank < peers[j].Rank })
	for i, p := range peers {
		if p.Rank != Rank(i) {
			return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("peer ranks must be contiguous from 0, missing %d", i))
		}
	}
	if len(peers) == 0 {
		return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs("empty peer table")
	}
	return peers, nil
}

// BaseURL turns a host:port or URL into an http base URL without trailing slash.
func BaseURL(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url and decodes the response into out when
// out is not nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Trace(json.NewDecoder(resp.Body).Decode(out))
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Trace(err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return errors.Trace(json.NewDecoder(resp.Body).Decode(out))
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
