package vdev

type State uint64

const (
	StateUnknown  State = iota /* Uninitialized vdev			*/
	StateClosed                /* Not currently open			*/
	StateOffline               /* Not allowed to open			*/
	StateRemoved               /* Explicitly removed from system	*/
	StateCantOpen              /* Tried to open, but failed		*/
	StateFaulted               /* External request to fault device	*/
	StateDegraded              /* Replicated vdev with unhealthy kids	*/
	StateHealthy               /* Presumed good			*/
)

type Aux uint64

const (
	AuxNone        Aux = iota /* no error				*/
	AuxOpenFailed             /* open of the backing device failed	*/
	AuxCorruptData            /* bad label or disk contents		*/
	AuxNoReplicas             /* insufficient number of replicas	*/
	AuxBadGUIDSum             /* vdev guid sum doesn't match		*/
	AuxTooSmall               /* vdev size is too small		*/
	AuxBadLabel               /* the label is OK but invalid		*/
	AuxVersionNewer           /* on-disk version is too new		*/
	AuxVersionOlder           /* on-disk version is too old		*/
	AuxUnsupFeat              /* unsupported features			*/
	AuxSpared                 /* hot spare used in another pool	*/
	AuxErrExceeded            /* too many errors			*/
	AuxIOFailure              /* experienced I/O failure		*/
	AuxBadLog                 /* cannot read log chain(s)		*/
	AuxExternal               /* external diagnosis or forced fault	*/
	AuxSplitPool              /* vdev was split off into another pool	*/
)

// States lists every value String can return, in the order the collector exports them.
var States = [...]string{
	"OFFLINE",
	"REMOVED",
	"FAULTED",
	"SPLIT",
	"UNAVAIL",
	"DEGRADED",
	"ONLINE",
	"UNKNOWN",
}

// String renders the state the way zpool status does. Failed opens are told apart by aux.
func (s State) String(aux Aux) string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateRemoved:
		return "REMOVED"
	case StateCantOpen:
		if aux == AuxCorruptData || aux == AuxBadLog {
			return "FAULTED"
		} else if aux == AuxSplitPool {
			return "SPLIT"
		} else {
			return "UNAVAIL"
		}
	case StateFaulted:
		return "FAULTED"
	case StateDegraded:
		return "DEGRADED"
	case StateHealthy:
		return "ONLINE"
	}

	return "UNKNOWN"
}
