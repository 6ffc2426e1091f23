package memd

// Magic is the first byte of every packet and selects the header layout
// for the rest of the packet.
type Magic uint8

const (
	// MagicReq identifies a client request packet.
	MagicReq = Magic(0x80)

	// MagicRes identifies a server response packet.
	MagicRes = Magic(0x81)

	// The flexible-framing variants are handled transparently by the codec
	// based on whether framing extras are attached to the packet.
	magicReqFlex = Magic(0x08)
	magicResFlex = Magic(0x18)
)

// OpCode identifies the command a packet performs.
type OpCode uint8

const (
	CmdGet           = OpCode(0x00)
	CmdSet           = OpCode(0x01)
	CmdAdd           = OpCode(0x02)
	CmdReplace       = OpCode(0x03)
	CmdDelete        = OpCode(0x04)
	CmdIncrement     = OpCode(0x05)
	CmdDecrement     = OpCode(0x06)
	CmdNoop          = OpCode(0x0a)
	CmdAppend        = OpCode(0x0e)
	CmdPrepend       = OpCode(0x0f)
	CmdTouch         = OpCode(0x1c)
	CmdGAT           = OpCode(0x1d)
	CmdHello         = OpCode(0x1f)
	CmdSASLListMechs = OpCode(0x20)
	CmdSASLAuth      = OpCode(0x21)
	CmdSASLStep      = OpCode(0x22)
	CmdGetReplica    = OpCode(0x83)
	CmdSelectBucket  = OpCode(0x89)
	CmdObserve       = OpCode(0x92)
	CmdGetLocked     = OpCode(0x94)
	CmdUnlockKey     = OpCode(0x95)

	CmdGetClusterConfig       = OpCode(0xb5)
	CmdCollectionsGetManifest = OpCode(0xba)
	CmdCollectionsGetID       = OpCode(0xbb)

	CmdSubDocGet            = OpCode(0xc5)
	CmdSubDocExists         = OpCode(0xc6)
	CmdSubDocDictAdd        = OpCode(0xc7)
	CmdSubDocDictSet        = OpCode(0xc8)
	CmdSubDocDelete         = OpCode(0xc9)
	CmdSubDocReplace        = OpCode(0xca)
	CmdSubDocArrayPushLast  = OpCode(0xcb)
	CmdSubDocArrayPushFirst = OpCode(0xcc)
	CmdSubDocArrayInsert    = OpCode(0xcd)
	CmdSubDocArrayAddUnique = OpCode(0xce)
	CmdSubDocCounter        = OpCode(0xcf)
	CmdSubDocMultiLookup    = OpCode(0xd0)
	CmdSubDocMultiMutation  = OpCode(0xd1)
	CmdSubDocGetCount       = OpCode(0xd2)

	CmdGetErrorMap = OpCode(0xfe)
)

// HelloFeature is a feature code negotiated via the HELLO operation.
type HelloFeature uint16

const (
	FeatureDatatype        = HelloFeature(0x01)
	FeatureTLS             = HelloFeature(0x02)
	FeatureTCPNoDelay      = HelloFeature(0x03)
	FeatureSeqNo           = HelloFeature(0x04)
	FeatureXattr           = HelloFeature(0x06)
	FeatureXerror          = HelloFeature(0x07)
	FeatureSelectBucket    = HelloFeature(0x08)
	FeatureSnappy          = HelloFeature(0x0a)
	FeatureJSON            = HelloFeature(0x0b)
	FeatureDurations       = HelloFeature(0x0f)
	FeatureAltRequests     = HelloFeature(0x10)
	FeatureSyncReplication = HelloFeature(0x11)
	FeatureCollections     = HelloFeature(0x12)
)

// StatusCode is the 16-bit response status carried where requests carry
// the vbucket id.
type StatusCode uint16

const (
	StatusSuccess        = StatusCode(0x00)
	StatusKeyNotFound    = StatusCode(0x01)
	StatusKeyExists      = StatusCode(0x02)
	StatusTooBig         = StatusCode(0x03)
	StatusInvalidArgs    = StatusCode(0x04)
	StatusNotStored      = StatusCode(0x05)
	StatusBadDelta       = StatusCode(0x06)
	StatusNotMyVBucket   = StatusCode(0x07)
	StatusNoBucket       = StatusCode(0x08)
	StatusLocked         = StatusCode(0x09)
	StatusAuthStale      = StatusCode(0x1f)
	StatusAuthError      = StatusCode(0x20)
	StatusAuthContinue   = StatusCode(0x21)
	StatusRangeError     = StatusCode(0x22)
	StatusAccessError    = StatusCode(0x24)
	StatusNotInitialized = StatusCode(0x25)

	StatusUnknownCommand = StatusCode(0x81)
	StatusOutOfMemory    = StatusCode(0x82)
	StatusNotSupported   = StatusCode(0x83)
	StatusInternalError  = StatusCode(0x84)
	StatusBusy           = StatusCode(0x85)
	StatusTmpFail        = StatusCode(0x86)

	StatusCollectionUnknown = StatusCode(0x88)
	StatusScopeUnknown      = StatusCode(0x8c)

	StatusDurabilityInvalidLevel = StatusCode(0xa0)
	StatusDurabilityImpossible   = StatusCode(0xa1)
	StatusSyncWriteInProgress    = StatusCode(0xa2)
	StatusSyncWriteAmbiguous     = StatusCode(0xa3)

	StatusSubDocPathNotFound        = StatusCode(0xc0)
	StatusSubDocPathMismatch        = StatusCode(0xc1)
	StatusSubDocPathInvalid         = StatusCode(0xc2)
	StatusSubDocPathTooBig          = StatusCode(0xc3)
	StatusSubDocDocTooDeep          = StatusCode(0xc4)
	StatusSubDocCantInsert          = StatusCode(0xc5)
	StatusSubDocNotJSON             = StatusCode(0xc6)
	StatusSubDocBadRange            = StatusCode(0xc7)
	StatusSubDocBadDelta            = StatusCode(0xc8)
	StatusSubDocPathExists          = StatusCode(0xc9)
	StatusSubDocValueTooDeep        = StatusCode(0xca)
	StatusSubDocBadCombo            = StatusCode(0xcb)
	StatusSubDocBadMulti            = StatusCode(0xcc)
	StatusSubDocSuccessDeleted      = StatusCode(0xcd)
	StatusSubDocMultiPathFailureDel = StatusCode(0xd3)
)

// DatatypeFlag describes the encoding of a document value.
type DatatypeFlag uint8

const (
	DatatypeFlagJSON       = DatatypeFlag(0x01)
	DatatypeFlagCompressed = DatatypeFlag(0x02)
	DatatypeFlagXattrs     = DatatypeFlag(0x04)
)

// SubdocFlag carries per-path flags for a sub-document operation.
type SubdocFlag uint8

const (
	SubdocFlagNone         = SubdocFlag(0x00)
	SubdocFlagMkDirP       = SubdocFlag(0x01)
	SubdocFlagXattrPath    = SubdocFlag(0x04)
	SubdocFlagExpandMacros = SubdocFlag(0x10)
)

// SubdocDocFlag carries document-level flags for a sub-document operation.
type SubdocDocFlag uint8

const (
	SubdocDocFlagNone          = SubdocDocFlag(0x00)
	SubdocDocFlagMkDoc         = SubdocDocFlag(0x01)
	SubdocDocFlagAddDoc        = SubdocDocFlag(0x02)
	SubdocDocFlagAccessDeleted = SubdocDocFlag(0x04)
)

// DurabilityLevel is a per-mutation synchronous durability requirement.
type DurabilityLevel uint8

const (
	DurabilityLevelNone                       = DurabilityLevel(0x00)
	DurabilityLevelMajority                   = DurabilityLevel(0x01)
	DurabilityLevelMajorityAndPersistOnMaster = DurabilityLevel(0x02)
	DurabilityLevelPersistToMajority          = DurabilityLevel(0x03)
)

// frameType discriminates flexible framing extras blocks.
type frameType uint8

const (
	frameTypeReqSyncDurability = frameType(1)
	frameTypeResSrvDuration    = frameType(0)
)
