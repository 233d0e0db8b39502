package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"firewall-audit/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

type ServiceEntry struct {
	Protocol model.Protocol
	Port     int
}

var (
	serviceRegistry map[string][]ServiceEntry
	portNames       map[int]string // first name registered for a port, tcp before udp
)

// display names for services whose registry name is not what operators call them
var displayNames = map[string]string{
	"SSH":           "SSH",
	"MS-WBT-SERVER": "RDP",
	"MYSQL":         "MySQL",
	"POSTGRESQL":    "PostgreSQL",
	"MONGODB":       "MongoDB",
	"MS-SQL-S":      "MSSQL",
	"DOMAIN":        "DNS",
	"SUNRPC":        "rpcbind",
	"EXEC":          "rexec",
	"LOGIN":         "rlogin",
	"SHELL":         "rsh",
}

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	portNames = make(map[int]string)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.Atoi(record[0])
		if err != nil {
			continue // Skip if port is not a valid number
		}

		register(record[1], model.TCP, port)
		register(record[2], model.UDP, port)
	}
}

func register(name string, protocol model.Protocol, port int) {
	name = strings.TrimSpace(name)
	if name == "" || name == "N/A" {
		return
	}
	key := strings.ToUpper(name)
	entry := ServiceEntry{Protocol: protocol, Port: port}
	serviceRegistry[key] = append(serviceRegistry[key], entry)
	if display, ok := displayNames[key]; ok {
		alias := strings.ToUpper(display)
		if alias != key {
			serviceRegistry[alias] = append(serviceRegistry[alias], entry)
		}
	}
	if _, ok := portNames[port]; !ok {
		portNames[port] = key
	}
}

// GetService returns the port and protocol for a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(name)]
	return entry, ok
}

// Ports returns the distinct ports registered for the named services, in
// argument order. Unknown names are skipped.
func Ports(names ...string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, name := range names {
		entries, _ := GetService(name)
		for _, e := range entries {
			if !seen[e.Port] {
				seen[e.Port] = true
				out = append(out, e.Port)
			}
		}
	}
	return out
}

// Name returns a human label for a port, e.g. "SSH" for 22. Unknown ports
// return "port N".
func Name(port int) string {
	key, ok := portNames[port]
	if !ok {
		return "port " + strconv.Itoa(port)
	}
	if display, ok := displayNames[key]; ok {
		return display
	}
	return strings.ToUpper(key)
}

// Label returns "NAME (port)" for a port, e.g. "MySQL (3306)".
func Label(port int) string {
	name := Name(port)
	if strings.HasPrefix(name, "port ") {
		return name
	}
	return name + " (" + strconv.Itoa(port) + ")"
}
