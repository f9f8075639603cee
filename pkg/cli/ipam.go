package cli

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/netforge/pkg/ipam"
)

func newIPAMCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ipam",
		Short: "Offline subnet calculator",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "calc <cidr>",
			Short: "Show network, broadcast, mask and host range for a prefix",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCalc(cmd.OutOrStdout(), opts.output, args[0])
			},
		},
		&cobra.Command{
			Use:   "split <cidr> <prefix-len>",
			Short: "Split a prefix into equal subnets",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSplit(cmd.OutOrStdout(), opts.output, args[0], args[1])
			},
		},
		&cobra.Command{
			Use:     "vlsm <cidr> <name=hosts>...",
			Short:   "Allocate variable length subnets by host count",
			Example: "  netforge ipam vlsm 10.0.0.0/24 servers=60 users=100 p2p=2",
			Args:    cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runVLSM(cmd.OutOrStdout(), opts.output, args[0], args[1:])
			},
		},
		&cobra.Command{
			Use:   "summarize <cidr>...",
			Short: "Collapse prefixes into the smallest covering set",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSummarize(cmd.OutOrStdout(), opts.output, args)
			},
		},
	)
	return cmd
}

func runCalc(w io.Writer, output, cidr string) error {
	prefix, err := ipam.ParsePrefix(cidr)
	if err != nil {
		return err
	}
	info, err := ipam.Calculate(prefix)
	if err != nil {
		return err
	}
	if output == outputJSON {
		return writeJSON(w, info)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "CIDR:\t%s\n", info.CIDR)
	fmt.Fprintf(tw, "Network:\t%s\n", info.Network)
	if info.Broadcast != "" {
		fmt.Fprintf(tw, "Broadcast:\t%s\n", info.Broadcast)
	}
	fmt.Fprintf(tw, "Netmask:\t%s\n", info.Netmask)
	fmt.Fprintf(tw, "Wildcard:\t%s\n", info.Wildcard)
	fmt.Fprintf(tw, "Host range:\t%s - %s\n", info.FirstHost, info.LastHost)
	fmt.Fprintf(tw, "Addresses:\t%d\n", info.TotalAddresses)
	fmt.Fprintf(tw, "Usable hosts:\t%d\n", info.UsableHosts)
	fmt.Fprintf(tw, "Private:\t%t\n", info.IsPrivate)
	return tw.Flush()
}

func runSplit(w io.Writer, output, cidr, newLen string) error {
	prefix, err := ipam.ParsePrefix(cidr)
	if err != nil {
		return err
	}
	bits, err := strconv.Atoi(strings.TrimPrefix(newLen, "/"))
	if err != nil {
		return fmt.Errorf("invalid prefix length %q", newLen)
	}
	subnets, err := ipam.Split(prefix, bits)
	if err != nil {
		return err
	}
	return writePrefixes(w, output, subnets)
}

func runVLSM(w io.Writer, output, cidr string, specs []string) error {
	parent, err := ipam.ParsePrefix(cidr)
	if err != nil {
		return err
	}
	reqs, err := parseRequirements(specs)
	if err != nil {
		return err
	}
	allocs, err := ipam.AllocateVLSM(parent, reqs)
	if err != nil {
		return err
	}
	if output == outputJSON {
		return writeJSON(w, allocs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tREQUESTED\tPREFIX\tUSABLE\tRANGE")
	for _, a := range allocs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s - %s\n", a.Name, a.Requested, a.Prefix, a.Info.UsableHosts, a.Info.FirstHost, a.Info.LastHost)
	}
	return tw.Flush()
}

// parseRequirements reads name=hosts pairs
func parseRequirements(specs []string) ([]ipam.HostRequirement, error) {
	reqs := make([]ipam.HostRequirement, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		name, hosts, ok := strings.Cut(s, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid requirement %q (want name=hosts)", s)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate requirement name %q", name)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(hosts), 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid host count in %q", s)
		}
		seen[name] = true
		reqs = append(reqs, ipam.HostRequirement{Name: name, Hosts: n})
	}
	return reqs, nil
}

func runSummarize(w io.Writer, output string, cidrs []string) error {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := ipam.ParsePrefix(c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		prefixes = append(prefixes, p)
	}
	out, err := ipam.Summarize(prefixes)
	if err != nil {
		return err
	}
	return writePrefixes(w, output, out)
}

func writePrefixes(w io.Writer, output string, prefixes []netip.Prefix) error {
	if output == outputJSON {
		strs := make([]string, len(prefixes))
		for i, p := range prefixes {
			strs[i] = p.String()
		}
		return writeJSON(w, strs)
	}
	for _, p := range prefixes {
		fmt.Fprintln(w, p)
	}
	return nil
}
