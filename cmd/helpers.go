package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/assetscope/assetscope/pkg/assets"
	"github.com/dustin/go-humanize"
)

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}

func formatSecurity(n *assets.Node) string {
	if n.SystemID == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", n.SecurityStatus)
}

func locationLine(n *assets.Node) string {
	var b strings.Builder
	b.WriteString(n.Name)
	if n.SystemName != "" && !strings.HasPrefix(n.Name, n.SystemName) {
		fmt.Fprintf(&b, " (%s)", n.SystemName)
	}
	return b.String()
}

func countItems(n *assets.Node) int {
	count := 0
	n.Walk(func(*assets.Node, []*assets.Node) { count++ })
	return count
}

func quantity(q int64) string {
	return humanize.Comma(q)
}
