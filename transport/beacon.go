// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/realm-foundation/realm/lib/codec"
)

// DefaultBeaconPort is the UDP port for local-network discovery
// beacons.
const DefaultBeaconPort = 7946

// beaconInterval is how often a node announces itself on the local
// network.
const beaconInterval = 5 * time.Second

// beaconMagic guards against unrelated traffic on the beacon port.
const beaconMagic = "realm-beacon/1"

// beacon is the broadcast announcement: enough for a listener to
// dial back.
type beacon struct {
	Magic      string `json:"magic"`
	NodeID     string `json:"node_id"`
	ListenPort int    `json:"listen_port"`
}

// runBeacon announces this node on the local broadcast address and
// collects announcements from others. Zero-config discovery for flat
// networks; every other discovery layer works without it.
func (t *Transport) runBeacon(ctx context.Context) {
	// The receive socket may be taken by another agent on this host;
	// that agent will relay our existence via peer exchange, so a
	// failed bind degrades discovery rather than the mesh.
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: t.config.BeaconPort})
	if err != nil {
		t.logger.Warn("beacon listener unavailable, relying on bootstrap and peer exchange", "error", err)
		receiver = nil
	}

	sender, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.logger.Warn("beacon sender unavailable", "error", err)
		if receiver == nil {
			return
		}
	}

	if receiver != nil {
		go t.receiveBeacons(ctx, receiver)
	}

	if sender == nil {
		<-ctx.Done()
		if receiver != nil {
			receiver.Close()
		}
		return
	}

	announcement, err := codec.Marshal(beacon{
		Magic:      beaconMagic,
		NodeID:     t.nodeID,
		ListenPort: t.port,
	})
	if err != nil {
		t.logger.Warn("encoding beacon", "error", err)
		return
	}
	target := &net.UDPAddr{IP: net.IPv4bcast, Port: t.config.BeaconPort}

	ticker := t.clock.NewTicker(beaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sender.Close()
			if receiver != nil {
				receiver.Close()
			}
			return
		case <-ticker.C:
			if _, err := sender.WriteToUDP(announcement, target); err != nil {
				t.logger.Debug("beacon send failed", "error", err)
			}
		}
	}
}

func (t *Transport) receiveBeacons(ctx context.Context, receiver *net.UDPConn) {
	buf := make([]byte, 1024)
	for {
		n, src, err := receiver.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			return
		}
		var b beacon
		if err := codec.Unmarshal(buf[:n], &b); err != nil {
			continue
		}
		if b.Magic != beaconMagic || b.NodeID == t.nodeID || b.ListenPort < 1 || b.ListenPort > 65535 {
			continue
		}
		address := net.JoinHostPort(src.IP.String(), strconv.Itoa(b.ListenPort))
		t.AddCandidates(address)
	}
}
