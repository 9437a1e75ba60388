package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Logical commands understood by the agents. The text is interpreted on the
// node side and must not change.
const (
	CmdBrokerList      = "CLUSTER-EXEC broker list"
	CmdElectAggregator = "CLUSTER-EXEC broker elect"
	CmdRoleBroker      = "ROLE BROKER"
	CmdRoleClient      = "ROLE CLIENT"
	CmdClusterLeave    = "CLUSTER-LEAVE"

	cmdClusterKey     = "CLUSTER-KEY"
	cmdClusterJoin    = "CLUSTER-JOIN"
	cmdGroupingConfig = "SET-GROUPING-CONFIG"
	cmdClientConfig   = "SET-CLIENT-CONFIG"
	cmdActiveGrouping = "SET-ACTIVE-GROUPING"
)

// Verbs of the parameterized commands, for agents dispatching on Verb.
const (
	VerbClusterKey     = cmdClusterKey
	VerbClusterJoin    = cmdClusterJoin
	VerbGroupingConfig = cmdGroupingConfig
	VerbClientConfig   = cmdClientConfig
	VerbActiveGrouping = cmdActiveGrouping
)

// Groupings names the three levels of a clustered monitoring topology.
type Groupings struct {
	Top        string
	Aggregator string
	Last       string
}

func (g Groupings) String() string {
	return g.Top + ":" + g.Aggregator + ":" + g.Last
}

// ClusterKeyCommand delivers the shared key of a zone's cluster.
func ClusterKeyCommand(zoneID, keyID, secret string) string {
	return fmt.Sprintf("%s %s %s %s", cmdClusterKey, zoneID, keyID, secret)
}

// ClusterJoinCommand tells a node to join (or, with initializer set, to
// create) the cluster of a zone, listening on addr:port and contacting peers.
func ClusterJoinCommand(zoneID string, g Groupings, initializer bool, addr string, port int, peers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s init=%t %s:%d", cmdClusterJoin, zoneID, g, initializer, addr, port)
	for _, p := range peers {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	return b.String()
}

// ActiveGroupingCommand switches the grouping a node works in.
func ActiveGroupingCommand(grouping string) string {
	return cmdActiveGrouping + " " + strings.ToUpper(strings.TrimSpace(grouping))
}

// BrokerConfig is how a node reaches the broker of one grouping.
type BrokerConfig struct {
	Grouping    string `json:"grouping"`
	URL         string `json:"url"`
	Certificate string `json:"certificate,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

// GroupingConfig is the configuration pushed to a node for one grouping.
type GroupingConfig struct {
	Name              string                  `json:"name"`
	BrokerConnections map[string]BrokerConfig `json:"brokerConnections"`
	Properties        map[string]string       `json:"properties,omitempty"`
	BrokerUsername    string                  `json:"brokerUsername,omitempty"`
	BrokerPassword    string                  `json:"brokerPassword,omitempty"`
}

// ClientConfiguration is the zone-wide configuration pushed to every node of
// a zone. It lists the nodes of the zone that run no agent, which the others
// monitor on their behalf.
type ClientConfiguration struct {
	NodesWithoutClient []string `json:"nodesWithoutClient"`
}

// NewClientConfiguration returns a configuration with the addresses sorted.
func NewClientConfiguration(addresses []string) ClientConfiguration {
	out := append([]string{}, addresses...)
	sort.Strings(out)
	return ClientConfiguration{NodesWithoutClient: out}
}

// GroupingConfigCommand serializes gc into a SET-GROUPING-CONFIG command.
func GroupingConfigCommand(gc GroupingConfig) (string, error) {
	data, err := json.Marshal(gc)
	if err != nil {
		return "", fmt.Errorf("serialize grouping configuration %s: %w", gc.Name, err)
	}
	return cmdGroupingConfig + " " + string(data), nil
}

// ClientConfigCommand serializes cc into a SET-CLIENT-CONFIG command.
func ClientConfigCommand(cc ClientConfiguration) (string, error) {
	data, err := json.Marshal(cc)
	if err != nil {
		return "", fmt.Errorf("serialize client configuration: %w", err)
	}
	return cmdClientConfig + " " + string(data), nil
}

// SendGroupingConfig pushes one grouping configuration to a session.
func SendGroupingConfig(s NodeSession, gc GroupingConfig) error {
	cmd, err := GroupingConfigCommand(gc)
	if err != nil {
		return err
	}
	return s.SendToClient(cmd)
}

// SendClientConfig pushes the zone client configuration to a session.
func SendClientConfig(s NodeSession, cc ClientConfiguration) error {
	cmd, err := ClientConfigCommand(cc)
	if err != nil {
		return err
	}
	return s.SendToClient(cmd)
}

// Verb returns the first word of a command, for logs and metrics labels.
func Verb(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

// ParseAggregatorReport parses the "CLUSTER AGGREGATOR <id>" line an agent
// sends once its cluster has elected an aggregator. ok is false for any other
// line.
func ParseAggregatorReport(line string) (id string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "CLUSTER") || !strings.EqualFold(fields[1], "AGGREGATOR") {
		return "", false
	}
	if len(fields) > 2 {
		id = fields[2]
	}
	return id, true
}

// IsClusterInput reports whether an input line belongs to the cluster protocol.
func IsClusterInput(line string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && strings.EqualFold(fields[0], "CLUSTER")
}

// HostPort joins an address and a cluster port.
func HostPort(addr string, port int) string {
	return addr + ":" + strconv.Itoa(port)
}
