// Command makeparser prints the dependency graph GNU make would build for
// the current directory, one line per real target: "target <- dep1, dep2".
// Any arguments are passed through to the underlying make invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jherland/depfinder/internal/makeparser"
)

func main() {
	mf, err := makeparser.Parse(context.Background(), "", os.Args[1:]...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "makeparser: %v\n", err)
		os.Exit(1)
	}

	targets := make([]string, 0, len(mf.Rules))
	for target := range mf.Rules {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool {
		ri, rj := mf.Rules[targets[i]], mf.Rules[targets[j]]
		if ri.Target != rj.Target {
			return ri.Target < rj.Target
		}
		return fmt.Sprint(ri.Deps) < fmt.Sprint(rj.Deps)
	})

	for _, target := range targets {
		rule := mf.Rules[target]
		if !rule.IsTarget {
			continue
		}
		fmt.Printf("%s <- %s\n", rule.Target, strings.Join(rule.Deps, ", "))
	}
}
