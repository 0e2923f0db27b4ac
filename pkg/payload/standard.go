package payload

// Registration описывает одну запись начального каталога: шаблон кодека,
// запрошенный номер (или Auto) и параметры приема.
type Registration struct {
	Codec    Descriptor
	Number   int
	RecvFmtp string
}

// StandardAVP возвращает эталонный профиль RTP/AVP (RFC 3551) со статическими номерами.
// Дескрипторы профиля уже имеют номер своего слота.
func StandardAVP() *Profile {
	p := NewProfile("RTP/AVP")
	for _, e := range []struct {
		number int
		codec  Descriptor
	}{
		{0, New("PCMU", 8000, 1)},
		{3, New("GSM", 8000, 1)},
		{4, New("G723", 8000, 1)},
		{5, New("DVI4", 8000, 1)},
		{6, New("DVI4", 16000, 1)},
		{7, New("LPC", 8000, 1)},
		{8, New("PCMA", 8000, 1)},
		{9, New("G722", 8000, 1)},
		{10, New("L16", 44100, 2)},
		{11, New("L16", 44100, 1)},
		{12, New("QCELP", 8000, 1)},
		{13, New("CN", 8000, 1)},
		{14, New("MPA", 90000, 1)},
		{15, New("G728", 8000, 1)},
		{16, New("DVI4", 11025, 1)},
		{17, New("DVI4", 22050, 1)},
		{18, New("G729", 8000, 1)},
	} {
		p.Set(e.number, e.codec.clone(e.number))
	}
	return p
}

// DefaultCatalogue возвращает начальный набор кодеков движка в порядке регистрации.
// Явные номера в динамическом диапазоне (speex, iLBC, AMR) совпадают с
// общепринятыми; 112 намеренно занят и speex/32000, и AMR/8000 - их различает
// clock rate. Остальные кодеки получают номер автоматически.
func DefaultCatalogue() []Registration {
	return []Registration{
		{New("PCMU", 8000, 1), 0, ""},
		{New("GSM", 8000, 1), 3, ""},
		{New("PCMA", 8000, 1), 8, ""},
		{New("speex", 8000, 1), 110, "vbr=on"},
		{New("speex", 16000, 1), 111, "vbr=on"},
		{New("speex", 32000, 1), 112, "vbr=on"},
		{New("telephone-event", 8000, 1), 101, "0-11"},
		{New("G722", 8000, 1), 9, ""},
		{New("G729", 8000, 1), 18, "annexb=no"},

		{New("iLBC", 8000, 1), 102, "mode=30"},
		{New("AMR", 8000, 1), 112, "octet-align=1"},
		{New("AMR-WB", 16000, 1), 113, "octet-align=1"},
		{New("1015", 8000, 1), Auto, ""},
		{New("G726-16", 8000, 1), Auto, ""},
		{New("G726-24", 8000, 1), Auto, ""},
		{New("G726-32", 8000, 1), Auto, ""},
		{New("G726-40", 8000, 1), Auto, ""},
		{New("AAL2-G726-16", 8000, 1), Auto, ""},
		{New("AAL2-G726-24", 8000, 1), Auto, ""},
		{New("AAL2-G726-32", 8000, 1), Auto, ""},
		{New("AAL2-G726-40", 8000, 1), Auto, ""},
		{New("SILK", 8000, 1), Auto, ""},
		{New("SILK", 12000, 1), Auto, ""},
		{New("SILK", 16000, 1), Auto, ""},
		{New("SILK", 24000, 1), Auto, ""},
	}
}
