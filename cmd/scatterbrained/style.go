package main

import (
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/VanDung-dev/scatterbrained/node"
)

func printBanner(n *node.Node) {
	stats := n.Stats()
	pterm.DefaultBox.WithTitle(pterm.LightCyan(Name + " v" + Version)).WithTitleTopCenter().
		WithHorizontalPadding(4).
		Println(pterm.Sprintfln("node %s listening on %s", pterm.LightYellow(stats.ID), stats.Address))
}

// printPeers renders the connected peers as a table.
func printPeers(n *node.Node) {
	peers := n.Peers()
	if len(peers) == 0 {
		pterm.Info.Println("no peers connected")
		return
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Namespace != peers[j].Namespace {
			return peers[i].Namespace < peers[j].Namespace
		}
		return peers[i].ID < peers[j].ID
	})

	data := pterm.TableData{{"Namespace", "Peer", "Address", "Position", "Last seen"}}
	for _, p := range peers {
		seen := "-"
		if ts, ok := n.LastSeen(p.Key()); ok {
			seen = time.Since(ts).Round(time.Millisecond).String() + " ago"
		}
		data = append(data, []string{
			p.Namespace,
			pterm.LightGreen(p.ID),
			p.Address(),
			strconv.FormatFloat(p.Position(), 'f', -1, 64),
			seen,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
