package payload

// Profile отображает номера payload type на дескрипторы кодеков.
// Используется как профиль по умолчанию движка и как согласованный профиль сессии.
type Profile struct {
	name     string
	payloads [MaxPayloads]*Descriptor
}

// NewProfile создает пустой профиль
func NewProfile(name string) *Profile {
	return &Profile{name: name}
}

// Name возвращает имя профиля
func (p *Profile) Name() string {
	return p.name
}

// Set записывает дескриптор под номером, заменяя предыдущий.
// Номера вне 0..127 игнорируются.
func (p *Profile) Set(number int, d *Descriptor) bool {
	if number < 0 || number >= MaxPayloads {
		return false
	}
	p.payloads[number] = d
	return true
}

// Get возвращает дескриптор по номеру или nil
func (p *Profile) Get(number int) *Descriptor {
	if number < 0 || number >= MaxPayloads {
		return nil
	}
	return p.payloads[number]
}

// Numbers возвращает занятые номера по возрастанию
func (p *Profile) Numbers() []int {
	var numbers []int
	for i, d := range p.payloads {
		if d != nil {
			numbers = append(numbers, i)
		}
	}
	return numbers
}

// Len возвращает количество занятых номеров
func (p *Profile) Len() int {
	n := 0
	for _, d := range p.payloads {
		if d != nil {
			n++
		}
	}
	return n
}

// Clear очищает все номера профиля
func (p *Profile) Clear() {
	p.payloads = [MaxPayloads]*Descriptor{}
}
