// Package netsim provides an in-memory datagram network for exercising
// sessions under loss, duplication, delay and reordering.
//
// A Network hands out Conn values that implement net.PacketConn. Each Conn
// applies its own outbound Conditions, drawn from a seeded random source
// so that a failing run can be reproduced:
//
//	network := netsim.NewNetwork(1)
//	host, viewer := network.Listen(), network.Listen()
//	host.SetConditions(netsim.Conditions{Loss: 0.2})
//
// Conditions may be limited to a subset of traffic with Match, for example
// to drop only video datagrams while control traffic flows freely.
package netsim
