package paddr

// Translator converts between guest physical addresses and host addresses of
// the backing region. The zero value is the identity mapping.
type Translator struct {
	offset uint64
}

// NewTranslator returns the translator for a region whose first byte lives at
// hostBase and represents guest address guestBase.
func NewTranslator(hostBase, guestBase uint64) Translator {
	return Translator{offset: hostBase - guestBase}
}

// ToHost performs no bounds check; callers validate range membership first.
func (t Translator) ToHost(paddr uint64) uint64 {
	return paddr + t.offset
}

func (t Translator) ToGuest(haddr uint64) uint64 {
	return haddr - t.offset
}

func (t Translator) Offset() uint64 {
	return t.offset
}
