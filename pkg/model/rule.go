package model

import "strings"

// Rule is one iptables rule. Args excludes the table, the operation flag and the chain,
// so the same rule renders into check, append and delete commands.
type Rule struct {
	Table string   `json:"table"`
	Chain string   `json:"chain"`
	Args  []string `json:"args"`
}

// Key identifies the rule for de-duplication and journaling.
func (r Rule) Key() string {
	return r.Table + "|" + r.Chain + "|" + strings.Join(r.Args, " ")
}

func (r Rule) command(op string) []string {
	out := make([]string, 0, len(r.Args)+4)
	out = append(out, "-t", r.Table, op, r.Chain)
	return append(out, r.Args...)
}

// CheckArgs renders `-t <table> -C <chain> ...`.
func (r Rule) CheckArgs() []string { return r.command("-C") }

// AppendArgs renders `-t <table> -A <chain> ...`.
func (r Rule) AppendArgs() []string { return r.command("-A") }

// DeleteArgs renders `-t <table> -D <chain> ...`.
func (r Rule) DeleteArgs() []string { return r.command("-D") }

func (r Rule) String() string {
	return strings.Join(r.AppendArgs(), " ")
}
