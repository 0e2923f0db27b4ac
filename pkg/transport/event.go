package transport

// EventKind тип события RTP стека
type EventKind int

const (
	EventRTCPReceived EventKind = iota
	EventRTCPEmitted
	EventEncryptionChanged
	EventSASReady
	EventICECheckListDone
	EventICESessionProcessingFinished
	EventICEGatheringFinished
	EventICERestartNeeded
	EventTelephoneEvent
)

func (k EventKind) String() string {
	switch k {
	case EventRTCPReceived:
		return "rtcp_received"
	case EventRTCPEmitted:
		return "rtcp_emitted"
	case EventEncryptionChanged:
		return "encryption_changed"
	case EventSASReady:
		return "sas_ready"
	case EventICECheckListDone:
		return "ice_check_list_done"
	case EventICESessionProcessingFinished:
		return "ice_session_processing_finished"
	case EventICEGatheringFinished:
		return "ice_gathering_finished"
	case EventICERestartNeeded:
		return "ice_restart_needed"
	case EventTelephoneEvent:
		return "telephone_event"
	default:
		return "unknown"
	}
}

// IsICE сообщает, относится ли событие к ICE
func (k EventKind) IsICE() bool {
	switch k {
	case EventICECheckListDone, EventICESessionProcessingFinished,
		EventICEGatheringFinished, EventICERestartNeeded:
		return true
	}
	return false
}

// Event событие RTP стека
type Event struct {
	Kind      EventKind
	Packet    []byte // сырой составной RTCP пакет
	Encrypted bool
	SAS       string
	Verified  bool
	Tone      byte
}

// EventQueue очередь событий одной сессии
type EventQueue interface {
	// Poll извлекает следующее событие, false если очередь пуста
	Poll() (Event, bool)
	Len() int
	Flush()
}
