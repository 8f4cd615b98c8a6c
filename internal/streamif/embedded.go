package streamif

// EmbeddedOps backs the "internal producer/consumer run cooperatively from
// the FSM" variant named in spec §4.2 (e.g. a canned stats-page response).
// Produce is called from IOHandler once per cooperative step and should
// push into si.IB (if it has more to say) or mark the output buffer shut
// once done.
type EmbeddedOps struct {
	Produce func(si *SI)
}

func (o *EmbeddedOps) Shutr(si *SI)  {}
func (o *EmbeddedOps) Shutw(si *SI)  {}
func (o *EmbeddedOps) ChkRcv(si *SI) {}
func (o *EmbeddedOps) ChkSnd(si *SI) {}
func (o *EmbeddedOps) Update(si *SI) {}

func (o *EmbeddedOps) Connect(si *SI) error {
	si.SetState(StateEST)
	return nil
}

func (o *EmbeddedOps) IOHandler(si *SI) {
	if o.Produce != nil {
		o.Produce(si)
	}
}
