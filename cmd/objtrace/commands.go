package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/objtrace/objtrace"
	"github.com/objtrace/objtrace/snapshot"
)

var ErrUnknownCommand = errors.New("unknown command, try help")

var HelpObj = errors.New("obj 123")
var HelpRefs = errors.New("refs 123")
var HelpReferencers = errors.New("referencers 123")
var HelpCluster = errors.New("cluster 0")

func parseRef(arg string) (objtrace.Ref, error) {
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || n == 0 {
		return objtrace.NilRef, errors.New("not an object index: " + arg)
	}
	return objtrace.Ref(n), nil
}

func flagNames(f objtrace.Flags) string {
	var names []string
	if f&objtrace.FlagReachable != 0 {
		names = append(names, "reachable")
	}
	if f&objtrace.FlagUnreachable != 0 {
		names = append(names, "unreachable")
	}
	if f&objtrace.FlagPendingKill != 0 {
		names = append(names, "pending-kill")
	}
	if f&objtrace.FlagRootSet != 0 {
		names = append(names, "root")
	}
	if f&objtrace.FlagClusterRoot != 0 {
		names = append(names, "cluster-root")
	}
	if f&objtrace.FlagLoading != 0 {
		names = append(names, "loading")
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func refList(refs []objtrace.Ref) string {
	if len(refs) == 0 {
		return "-"
	}
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = strconv.FormatUint(uint64(r), 10)
	}
	return strings.Join(parts, " ")
}

func (repl *REPL) CommandHelp() error {
	fmt.Print(`stats              pass header
obj N              one object record
refs N             outgoing references of N
referencers N      objects holding a reference to N
roots              objects pinned in the root set
unreachable        objects the pass failed to reach
clusters           cluster summary
cluster N          one cluster, fully
exit               leave
`)
	return nil
}

func (repl *REPL) CommandStats() error {
	m, err := repl.store.Meta()
	if err != nil {
		return err
	}
	fmt.Printf("pass %s\n", m.PassID)
	fmt.Printf("capacity %d live %d unreachable %d took %dms\n",
		m.Capacity, m.Live, m.Unreachable, m.DurationNs/1e6)
	return nil
}

func (repl *REPL) CommandObject(arg string) error {
	if arg == "" {
		return HelpObj
	}
	ix, err := parseRef(arg)
	if err != nil {
		return err
	}
	rec, err := repl.store.Object(ix)
	if err != nil {
		return err
	}
	fmt.Printf("obj %d type %d flags %s\n", rec.Index, rec.Type, flagNames(rec.Flags))
	if rec.Outer != objtrace.NilRef {
		fmt.Printf("  outer %d\n", rec.Outer)
	}
	if rec.Owner != objtrace.NilRef {
		fmt.Printf("  cluster root %d\n", rec.Owner)
	}
	fmt.Printf("  refs %s\n", refList(rec.Refs))
	return nil
}

func (repl *REPL) CommandRefs(arg string) error {
	if arg == "" {
		return HelpRefs
	}
	ix, err := parseRef(arg)
	if err != nil {
		return err
	}
	rec, err := repl.store.Object(ix)
	if err != nil {
		return err
	}
	fmt.Println(refList(rec.Refs))
	return nil
}

func (repl *REPL) CommandReferencers(arg string) error {
	if arg == "" {
		return HelpReferencers
	}
	ix, err := parseRef(arg)
	if err != nil {
		return err
	}
	refs, err := repl.store.Referencers(ix)
	if err != nil {
		return err
	}
	fmt.Println(refList(refs))
	return nil
}

func (repl *REPL) listFlagged(want objtrace.Flags) error {
	count := 0
	err := repl.store.Objects(func(rec *snapshot.ObjectRecord) bool {
		if rec.Flags&want != 0 {
			fmt.Printf("%d\ttype %d\t%s\n", rec.Index, rec.Type, flagNames(rec.Flags))
			count++
		}
		return true
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d objects\n", count)
	return nil
}

func (repl *REPL) CommandRoots() error {
	return repl.listFlagged(objtrace.FlagRootSet)
}

func (repl *REPL) CommandUnreachable() error {
	return repl.listFlagged(objtrace.FlagUnreachable)
}

func (repl *REPL) CommandClusters() error {
	clusters, err := repl.store.Clusters()
	if err != nil {
		return err
	}
	for i, cl := range clusters {
		fmt.Printf("%d\troot %d\t%d objects\t%d mutable\t%d links\n",
			i, cl.Root, len(cl.Objects), len(cl.MutableObjects), len(cl.ReferencedClusters))
	}
	fmt.Printf("%d clusters\n", len(clusters))
	return nil
}

func (repl *REPL) CommandCluster(arg string) error {
	if arg == "" {
		return HelpCluster
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return HelpCluster
	}
	clusters, err := repl.store.Clusters()
	if err != nil {
		return err
	}
	if n >= len(clusters) {
		return errors.Errorf("no cluster %d, have %d", n, len(clusters))
	}
	cl := clusters[n]
	fmt.Printf("cluster %d root %d\n", n, cl.Root)
	fmt.Printf("  objects %s\n", refList(cl.Objects))
	fmt.Printf("  mutable %s\n", refList(cl.MutableObjects))
	fmt.Printf("  links   %s\n", refList(cl.ReferencedClusters))
	return nil
}
