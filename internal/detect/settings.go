package detect

import (
	"fmt"

	"firewall-audit/internal/model"
	"firewall-audit/pkg/wellknown"
)

// Settings tunes the catalogue. Zero values are replaced by ApplyDefaults.
type Settings struct {
	MinSeverity          model.Severity `yaml:"min_severity"`
	BroadPrefixThreshold int            `yaml:"broad_prefix_threshold"`
	Disabled             []string       `yaml:"disabled"`
	Ports                PortLists      `yaml:"ports"`
}

// PortLists names the ports each service detector looks for.
type PortLists struct {
	SSH       []int `yaml:"ssh"`
	RDP       []int `yaml:"rdp"`
	Databases []int `yaml:"databases"`
	Telnet    []int `yaml:"telnet"`
	FTP       []int `yaml:"ftp"`
	HTTP      []int `yaml:"http"`
	HTTPS     []int `yaml:"https"`
	Legacy    []int `yaml:"legacy"`
}

const DefaultBroadPrefixThreshold = 16

func (s *Settings) ApplyDefaults() {
	if s.MinSeverity == "" {
		s.MinSeverity = model.Warning
	}
	if s.BroadPrefixThreshold == 0 {
		s.BroadPrefixThreshold = DefaultBroadPrefixThreshold
	}
	p := &s.Ports
	defaultPorts(&p.SSH, "ssh")
	defaultPorts(&p.RDP, "rdp")
	defaultPorts(&p.Databases, "mysql", "postgresql", "mongodb")
	defaultPorts(&p.Telnet, "telnet")
	defaultPorts(&p.FTP, "ftp")
	defaultPorts(&p.HTTP, "http")
	defaultPorts(&p.HTTPS, "https")
	defaultPorts(&p.Legacy, "tftp", "rpcbind", "rexec", "rlogin", "rsh")
}

func defaultPorts(dst *[]int, names ...string) {
	if len(*dst) == 0 {
		*dst = wellknown.Ports(names...)
	}
}

func (s *Settings) Validate() error {
	if _, ok := model.ParseSeverity(string(s.MinSeverity)); !ok {
		return fmt.Errorf("min_severity %q must be critical, warning or info", s.MinSeverity)
	}
	if s.BroadPrefixThreshold < 1 || s.BroadPrefixThreshold > 128 {
		return fmt.Errorf("broad_prefix_threshold %d out of range 1-128", s.BroadPrefixThreshold)
	}
	lists := map[string][]int{
		"ssh": s.Ports.SSH, "rdp": s.Ports.RDP, "databases": s.Ports.Databases,
		"telnet": s.Ports.Telnet, "ftp": s.Ports.FTP, "http": s.Ports.HTTP,
		"https": s.Ports.HTTPS, "legacy": s.Ports.Legacy,
	}
	for name, ports := range lists {
		for _, port := range ports {
			if port < 0 || port > 65535 {
				return fmt.Errorf("ports.%s: port %d out of range 0-65535", name, port)
			}
		}
	}
	return nil
}
