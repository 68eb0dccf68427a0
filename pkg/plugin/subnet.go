package plugin

import (
	"fmt"
	"net"

	"github.com/ovlab/ovlab/pkg/util"
)

// carveMgmtSubnet returns the index'th /24 out of base, the management
// subnet carving step of create_management_network.
func carveMgmtSubnet(base string, index int) (string, error) {
	return util.SubnetOf(base, 24, index)
}

// firstUsableIP returns the .1 address of a CIDR block, used as the
// management network's gateway.
func firstUsableIP(cidr string) (string, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid subnet %s: %w", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("only IPv4 subnets are supported: %s", cidr)
	}
	network := ip4.Mask(ipNet.Mask)
	gw := make(net.IP, 4)
	copy(gw, network)
	gw[3]++
	return gw.String(), nil
}
