package config

import "time"

// Config is the root configuration of a dlog node.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Server      ServerConfig      `yaml:"http-server"`
	Node        NodeConfig        `yaml:"node"`
	Replication ReplicationConfig `yaml:"replication"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	ZooKeeper   ZooKeeperConfig   `yaml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// NodeConfig describes identity and on-disk layout of the node.
type NodeConfig struct {
	NodeID        string   `yaml:"node_id"`
	CoordinatorID uint16   `yaml:"coordinator_id"`
	DataDir       string   `yaml:"data_dir"`
	Partitions    []uint32 `yaml:"partitions"`
}

// ReplicationConfig controls write durability per partition.
type ReplicationConfig struct {
	CopySet         []string      `yaml:"copy_set"` // node_id=addr entries, self included
	WriteQuorum     int           `yaml:"write_quorum"`
	ISRLagThreshold uint64        `yaml:"isr_lag_threshold"`
	QuorumMode      string        `yaml:"quorum_mode"` // copyset | isr
	Timeout         time.Duration `yaml:"timeout"`
}

// ConsensusConfig describes the raft group used for epoch transitions.
type ConsensusConfig struct {
	Enabled       bool         `yaml:"enabled"`
	ID            uint64       `yaml:"id"`
	ElectionTick  int          `yaml:"election_tick"`
	HeartbeatTick int          `yaml:"heartbeat_tick"`
	CheckQuorum   bool         `yaml:"check_quorum"`
	PreVote       bool         `yaml:"pre_vote"`
	Peers         []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// ZooKeeperConfig controls coordinator id claims and leader hints.
type ZooKeeperConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Servers  []string `yaml:"servers"`
	RootPath string   `yaml:"root_path"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: "8080",
		},
		Node: NodeConfig{
			NodeID:        "node-1",
			CoordinatorID: 0,
			DataDir:       "./data",
			Partitions:    []uint32{0},
		},
		Replication: ReplicationConfig{
			CopySet:         []string{"node-1="},
			WriteQuorum:     1,
			ISRLagThreshold: 100,
			QuorumMode:      "copyset",
			Timeout:         5 * time.Second,
		},
		Consensus: ConsensusConfig{
			Enabled:       false,
			ID:            1,
			ElectionTick:  10,
			HeartbeatTick: 2,
			CheckQuorum:   true,
		},
		ZooKeeper: ZooKeeperConfig{
			Enabled:  false,
			RootPath: "/dlog",
		},
	}
}
