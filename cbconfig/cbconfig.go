package cbconfig

// JSON models for the ns_server configuration REST endpoints. Only the
// fields the client consumes are mapped.

type VBucketServerMapJson struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap,omitempty"`
}

type TerseNodePortsJson struct {
	Direct uint16 `json:"direct,omitempty"`
}

type TerseNodeJson struct {
	CouchApiBase string              `json:"couchApiBase,omitempty"`
	Hostname     string              `json:"hostname,omitempty"`
	Ports        *TerseNodePortsJson `json:"ports,omitempty"`
}

type TerseExtNodePortsJson struct {
	Kv      uint16 `json:"kv,omitempty"`
	Capi    uint16 `json:"capi,omitempty"`
	Mgmt    uint16 `json:"mgmt,omitempty"`
	N1ql    uint16 `json:"n1ql,omitempty"`
	Fts     uint16 `json:"fts,omitempty"`
	Cbas    uint16 `json:"cbas,omitempty"`
	KvSsl   uint16 `json:"kvSSL,omitempty"`
	CapiSsl uint16 `json:"capiSSL,omitempty"`
	MgmtSsl uint16 `json:"mgmtSSL,omitempty"`
	N1qlSsl uint16 `json:"n1qlSSL,omitempty"`
	FtsSsl  uint16 `json:"ftsSSL,omitempty"`
	CbasSsl uint16 `json:"cbasSSL,omitempty"`
}

type TerseExtNodeAltAddressesJson struct {
	Ports    *TerseExtNodePortsJson `json:"ports,omitempty"`
	Hostname string                 `json:"hostname,omitempty"`
}

type TerseExtNodeJson struct {
	Services     *TerseExtNodePortsJson                  `json:"services,omitempty"`
	ThisNode     bool                                    `json:"thisNode,omitempty"`
	Hostname     string                                  `json:"hostname,omitempty"`
	AltAddresses map[string]TerseExtNodeAltAddressesJson `json:"alternateAddresses,omitempty"`
}

type TerseConfigJson struct {
	Rev                    int                   `json:"rev,omitempty"`
	RevEpoch               int                   `json:"revEpoch,omitempty"`
	Name                   string                `json:"name,omitempty"`
	NodeLocator            string                `json:"nodeLocator,omitempty"`
	UUID                   string                `json:"uuid,omitempty"`
	URI                    string                `json:"uri,omitempty"`
	StreamingURI           string                `json:"streamingUri,omitempty"`
	BucketCapabilities     []string              `json:"bucketCapabilities,omitempty"`
	CollectionsManifestUid string                `json:"collectionsManifestUid,omitempty"`
	VBucketServerMap       *VBucketServerMapJson `json:"vBucketServerMap,omitempty"`
	Nodes                  []TerseNodeJson       `json:"nodes,omitempty"`
	NodesExt               []TerseExtNodeJson    `json:"nodesExt,omitempty"`
	ClusterCapabilitiesVer []int                 `json:"clusterCapabilitiesVer"`
	ClusterCapabilities    map[string][]string   `json:"clusterCapabilities"`

	// SourceHostname records the host the config was fetched from; nodesExt
	// entries for the answering node omit their hostname.
	SourceHostname string `json:"-"`
}

// IsNewerThan implements the total revision order used to decide whether a
// config may replace another. A lower revision must never overwrite a
// higher one.
func (c *TerseConfigJson) IsNewerThan(other *TerseConfigJson) bool {
	if other == nil {
		return true
	}
	if c.RevEpoch != other.RevEpoch {
		return c.RevEpoch > other.RevEpoch
	}
	return c.Rev > other.Rev
}

type PoolsNodeJson struct {
	Version  string   `json:"version,omitempty"`
	Hostname string   `json:"hostname,omitempty"`
	Services []string `json:"services"`
}

type PoolsDefaultJson struct {
	Name  string          `json:"name,omitempty"`
	Nodes []PoolsNodeJson `json:"nodes,omitempty"`
}

type CollectionManifestCollectionJson struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	MaxTTL int32  `json:"maxTTL,omitempty"`
}

type CollectionManifestScopeJson struct {
	UID         string                             `json:"uid"`
	Name        string                             `json:"name"`
	Collections []CollectionManifestCollectionJson `json:"collections,omitempty"`
}

type CollectionManifestJson struct {
	UID    string                        `json:"uid"`
	Scopes []CollectionManifestScopeJson `json:"scopes,omitempty"`
}
