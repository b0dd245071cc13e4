package protocol

import (
	"fmt"
	"net"
)

// Message is implemented by every message in the catalog. The set is
// closed, the unexported methods keep other packages from adding variants.
type Message interface {
	GetHeader() *Header
	GetMessageID() MessageID

	putPayload(w *writer) error
}

const (
	// DefaultMaxMessageSize is advertised in DiscoInfo
	DefaultMaxMessageSize = 1452

	// DefaultMTU is advertised in GetNetworkInfo replies
	DefaultMTU = 1452

	// DefaultKeepAliveMs is our advertised keepalive period
	DefaultKeepAliveMs = 10000

	// SerialSize is the length of the serial numbers we advertise
	SerialSize = 16

	networkInfoSize = 19
)

// NetworkInfo describes a single IPv4 network interface
type NetworkInfo struct {
	MAC     net.HardwareAddr
	DHCP    bool
	IP      net.IP
	Subnet  net.IP
	Gateway net.IP
}

func (n NetworkInfo) String() string {
	return fmt.Sprintf("MAC=%s DHCP=%t IP=%s SUBNET=%s GATEWAY=%s", n.MAC, n.DHCP, n.IP, n.Subnet, n.Gateway)
}

func putIPv4(w *writer, ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		return encodeErr("%q is not an IPv4 address", ip)
	}
	w.bytes(v4)
	return nil
}

func readIPv4(r *reader) net.IP {
	b := r.take(4)
	if b == nil {
		return nil
	}
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

func (n NetworkInfo) put(w *writer) error {
	if len(n.MAC) != 6 {
		return encodeErr("MAC address %q must be 6 bytes", n.MAC)
	}
	w.bytes(n.MAC)

	if n.DHCP {
		w.u8(1)
	} else {
		w.u8(0)
	}

	for _, ip := range []net.IP{n.IP, n.Subnet, n.Gateway} {
		if err := putIPv4(w, ip); err != nil {
			return err
		}
	}

	return nil
}

func readNetworkInfo(r *reader) NetworkInfo {
	var info NetworkInfo

	if mac := r.take(6); mac != nil {
		info.MAC = append(net.HardwareAddr{}, mac...)
	}
	info.DHCP = r.u8() == 1
	info.IP = readIPv4(r)
	info.Subnet = readIPv4(r)
	info.Gateway = readIPv4(r)

	return info
}

// DiscoveryInformation is the payload of DiscoInfo
type DiscoveryInformation struct {
	Device         uint16
	Cost           uint8
	Serial         []byte
	MaxMessageSize uint32
	KeepAliveMs    uint16
	NetworkID      uint8
	NetworkInfo    NetworkInfo
}

// NewDiscoveryInformation returns the discovery information we advertise
// for the given device.
func NewDiscoveryInformation(device uint16, info NetworkInfo) DiscoveryInformation {
	return DiscoveryInformation{
		Device:         device,
		Serial:         make([]byte, SerialSize),
		MaxMessageSize: DefaultMaxMessageSize,
		KeepAliveMs:    DefaultKeepAliveMs,
		NetworkID:      1,
		NetworkInfo:    info,
	}
}

func (d DiscoveryInformation) String() string {
	return fmt.Sprintf("DEV=%04x COST=%d SER=%x MAX=%d KEEP=%d NET=%d %s",
		d.Device, d.Cost, d.Serial, d.MaxMessageSize, d.KeepAliveMs, d.NetworkID, d.NetworkInfo)
}

// DiscoInfo announces (information) or requests (query) discovery information.
// It doubles as the HiQnet keepalive.
type DiscoInfo struct {
	Header
	Info DiscoveryInformation
}

func NewDiscoInfo(h Header, info DiscoveryInformation, query bool) *DiscoInfo {
	h.setQuery(query)
	return &DiscoInfo{Header: h, Info: info}
}

func (m *DiscoInfo) putPayload(w *writer) error {
	w.u16(m.Info.Device)
	w.u8(m.Info.Cost)
	if err := w.block(m.Info.Serial); err != nil {
		return err
	}
	w.u32(m.Info.MaxMessageSize)
	w.u16(m.Info.KeepAliveMs)
	w.u8(m.Info.NetworkID)
	return m.Info.NetworkInfo.put(w)
}

func decodeDiscoInfo(h Header, r *reader) (Message, error) {
	m := &DiscoInfo{Header: h}
	m.Info.Device = r.u16()
	m.Info.Cost = r.u8()
	m.Info.Serial = r.block()
	m.Info.MaxMessageSize = r.u32()
	m.Info.KeepAliveMs = r.u16()
	m.Info.NetworkID = r.u8()
	m.Info.NetworkInfo = readNetworkInfo(r)
	return m, r.err
}

// NetworkInterface is one entry of a GetNetworkInfo reply
type NetworkInterface struct {
	MaxMTU      uint32
	NetworkID   uint8
	NetworkInfo NetworkInfo
}

type GetNetworkInfo struct {
	Header
	Serial     []byte
	Interfaces []NetworkInterface
}

func NewGetNetworkInfo(h Header, serial []byte, interfaces []NetworkInterface, query bool) *GetNetworkInfo {
	h.setQuery(query)
	return &GetNetworkInfo{Header: h, Serial: serial, Interfaces: interfaces}
}

func (m *GetNetworkInfo) putPayload(w *writer) error {
	if err := w.block(m.Serial); err != nil {
		return err
	}

	w.u16(uint16(len(m.Interfaces)))
	for _, intf := range m.Interfaces {
		w.u32(intf.MaxMTU)
		w.u8(intf.NetworkID)
		if err := intf.NetworkInfo.put(w); err != nil {
			return err
		}
	}

	return nil
}

func decodeGetNetworkInfo(h Header, r *reader) (Message, error) {
	m := &GetNetworkInfo{Header: h}
	m.Serial = r.block()

	count := int(r.u16())
	if r.remaining() < count*(5+networkInfoSize) {
		return nil, decodeErr("GetNetworkInfo claims %d interfaces but only %d bytes remain", count, r.remaining())
	}

	for i := 0; i < count; i++ {
		intf := NetworkInterface{
			MaxMTU:    r.u32(),
			NetworkID: r.u8(),
		}
		intf.NetworkInfo = readNetworkInfo(r)
		m.Interfaces = append(m.Interfaces, intf)
	}

	return m, r.err
}

// Hello opens (query) or acknowledges (information) a session
type Hello struct {
	Header
	SessionNumber uint16
	FlagMask      Flags
}

func NewHello(h Header, session uint16, mask Flags, query bool) *Hello {
	h.setQuery(query)
	return &Hello{Header: h, SessionNumber: session, FlagMask: mask}
}

func (m *Hello) putPayload(w *writer) error {
	w.u16(m.SessionNumber)
	w.u16(uint16(m.FlagMask))
	return nil
}

func decodeHello(h Header, r *reader) (Message, error) {
	m := &Hello{Header: h}
	m.SessionNumber = r.u16()
	m.FlagMask = Flags(r.u16())
	return m, r.err
}

// Goodbye announces that Device is leaving the network
type Goodbye struct {
	Header
	Device uint16
}

func NewGoodbye(h Header, device uint16) *Goodbye {
	return &Goodbye{Header: h, Device: device}
}

func (m *Goodbye) putPayload(w *writer) error {
	w.u16(m.Device)
	return nil
}

func decodeGoodbye(h Header, r *reader) (Message, error) {
	m := &Goodbye{Header: h, Device: r.u16()}
	return m, r.err
}

func putParameters(w *writer, params []Parameter) error {
	w.u16(uint16(len(params)))
	for _, p := range params {
		if err := putParameter(w, p); err != nil {
			return err
		}
	}
	return nil
}

func readParameters(r *reader) ([]Parameter, error) {
	var params []Parameter

	count := int(r.u16())
	for i := 0; i < count; i++ {
		p, err := readParameter(r)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}

	return params, r.err
}

// MultiParamSet sets parameters on the object in the destination address
type MultiParamSet struct {
	Header
	Params []Parameter
}

func NewMultiParamSet(h Header, params ...Parameter) *MultiParamSet {
	return &MultiParamSet{Header: h, Params: params}
}

func (m *MultiParamSet) putPayload(w *writer) error {
	return putParameters(w, m.Params)
}

func decodeMultiParamSet(h Header, r *reader) (Message, error) {
	params, err := readParameters(r)
	if err != nil {
		return nil, err
	}
	return &MultiParamSet{Header: h, Params: params}, nil
}

// ObjectParams are the parameters of a single object in a MultiObjectParamSet
type ObjectParams struct {
	Object uint32
	Params []Parameter
}

type MultiObjectParamSet struct {
	Header
	Objects []ObjectParams
}

func NewMultiObjectParamSet(h Header, objects ...ObjectParams) *MultiObjectParamSet {
	return &MultiObjectParamSet{Header: h, Objects: objects}
}

func (m *MultiObjectParamSet) putPayload(w *writer) error {
	w.u16(uint16(len(m.Objects)))
	for _, obj := range m.Objects {
		w.u32(obj.Object)
		if err := putParameters(w, obj.Params); err != nil {
			return err
		}
	}
	return nil
}

func decodeMultiObjectParamSet(h Header, r *reader) (Message, error) {
	m := &MultiObjectParamSet{Header: h}

	count := int(r.u16())
	for i := 0; i < count; i++ {
		obj := ObjectParams{Object: r.u32()}

		params, err := readParameters(r)
		if err != nil {
			return nil, err
		}
		obj.Params = params

		m.Objects = append(m.Objects, obj)
	}

	return m, r.err
}

// PercentParam is a parameter value scaled to a signed 16 bit percentage
type PercentParam struct {
	ID      uint16
	Percent int16
}

// ClampPercent clamps v to the range [-0x8000, 0x7fff]
func ClampPercent(v int64) int16 {
	if v > 0x7fff {
		return 0x7fff
	}
	if v < -0x8000 {
		return -0x8000
	}
	return int16(v)
}

type ParamSetPercent struct {
	Header
	Params []PercentParam
}

func NewParamSetPercent(h Header, params ...PercentParam) *ParamSetPercent {
	return &ParamSetPercent{Header: h, Params: params}
}

func (m *ParamSetPercent) putPayload(w *writer) error {
	w.u16(uint16(len(m.Params)))
	for _, p := range m.Params {
		w.u16(p.ID)
		w.u16(uint16(p.Percent))
	}
	return nil
}

func decodeParamSetPercent(h Header, r *reader) (Message, error) {
	m := &ParamSetPercent{Header: h}

	count := int(r.u16())
	if r.remaining() < count*4 {
		return nil, decodeErr("ParamSetPercent claims %d params but only %d bytes remain", count, r.remaining())
	}

	for i := 0; i < count; i++ {
		m.Params = append(m.Params, PercentParam{
			ID:      r.u16(),
			Percent: int16(r.u16()),
		})
	}

	return m, r.err
}

// MultiParamGet requests parameter values. With no parameter ids it asks
// the receiver to start sending keepalives.
type MultiParamGet struct {
	Header
	ParamIDs []uint16
}

func NewMultiParamGet(h Header, ids ...uint16) *MultiParamGet {
	return &MultiParamGet{Header: h, ParamIDs: ids}
}

func NewStartKeepAlive(h Header) *MultiParamGet {
	return &MultiParamGet{Header: h}
}

func (m *MultiParamGet) IsStartKeepAlive() bool {
	return len(m.ParamIDs) == 0
}

func (m *MultiParamGet) putPayload(w *writer) error {
	putIDs(w, m.ParamIDs)
	return nil
}

func putIDs(w *writer, ids []uint16) {
	w.u16(uint16(len(ids)))
	for _, id := range ids {
		w.u16(id)
	}
}

func readIDs(r *reader) []uint16 {
	var ids []uint16

	count := int(r.u16())
	if r.remaining() < count*2 {
		r.take(count * 2)
		return nil
	}

	for i := 0; i < count; i++ {
		ids = append(ids, r.u16())
	}
	return ids
}

func decodeMultiParamGet(h Header, r *reader) (Message, error) {
	m := &MultiParamGet{Header: h, ParamIDs: readIDs(r)}
	return m, r.err
}

type AttributeID uint16

// See the HiQnet device manager attribute table. All devices should support
// the first five.
const (
	AttrClassName       AttributeID = 0
	AttrNameString      AttributeID = 1
	AttrFlags           AttributeID = 2
	AttrSerialNumber    AttributeID = 3
	AttrSoftwareVersion AttributeID = 4
	AttrAdminPassword   AttributeID = 17
	AttrConfigState     AttributeID = 22
	AttrDeviceState     AttributeID = 23
)

// BaseAttributes are requested when no specific attributes are wanted
var BaseAttributes = []uint16{
	uint16(AttrClassName),
	uint16(AttrNameString),
	uint16(AttrFlags),
	uint16(AttrSerialNumber),
	uint16(AttrSoftwareVersion),
}

// GetAttributes queries device attributes
type GetAttributes struct {
	Header
	AttributeIDs []uint16
}

func NewGetAttributes(h Header, ids ...uint16) *GetAttributes {
	h.setQuery(true)
	return &GetAttributes{Header: h, AttributeIDs: ids}
}

func (m *GetAttributes) putPayload(w *writer) error {
	putIDs(w, m.AttributeIDs)
	return nil
}

func decodeGetAttributes(h Header, r *reader) (Message, error) {
	if !h.IsQuery() {
		return decodeGetAttributesReply(h, r)
	}

	m := &GetAttributes{Header: h, AttributeIDs: readIDs(r)}
	return m, r.err
}

// GetAttributesReply carries attribute values, the Parameter ID is the
// AttributeID.
type GetAttributesReply struct {
	Header
	Attributes []Parameter
}

func NewGetAttributesReply(h Header, attrs ...Parameter) *GetAttributesReply {
	h.setQuery(false)
	return &GetAttributesReply{Header: h, Attributes: attrs}
}

func (m *GetAttributesReply) putPayload(w *writer) error {
	return putParameters(w, m.Attributes)
}

func decodeGetAttributesReply(h Header, r *reader) (Message, error) {
	attrs, err := readParameters(r)
	if err != nil {
		return nil, err
	}
	return &GetAttributesReply{Header: h, Attributes: attrs}, nil
}

// SubscriptionEntry asks the receiver to send ParamID to DestParamID of Dest
// every IntervalMs.
type SubscriptionEntry struct {
	ParamID     uint16
	SubType     uint8
	Dest        Address
	DestParamID uint16
	IntervalMs  uint16
}

func putSubscriptions(w *writer, subs []SubscriptionEntry) {
	w.u16(uint16(len(subs)))
	for _, sub := range subs {
		w.u16(sub.ParamID)
		w.u8(sub.SubType)
		sub.Dest.put(w)
		w.u16(sub.DestParamID)
		w.bytes([]byte{0, 0, 0})
		w.u16(sub.IntervalMs)
	}
}

func readSubscriptions(r *reader) []SubscriptionEntry {
	var subs []SubscriptionEntry

	count := int(r.u16())
	for i := 0; i < count && r.err == nil; i++ {
		sub := SubscriptionEntry{
			ParamID: r.u16(),
			SubType: r.u8(),
			Dest:    readAddress(r),
		}
		sub.DestParamID = r.u16()
		r.take(3)
		sub.IntervalMs = r.u16()
		subs = append(subs, sub)
	}

	return subs
}

type MultiParamSubscribe struct {
	Header
	Subscriptions []SubscriptionEntry
}

func NewMultiParamSubscribe(h Header, subs ...SubscriptionEntry) *MultiParamSubscribe {
	return &MultiParamSubscribe{Header: h, Subscriptions: subs}
}

func (m *MultiParamSubscribe) putPayload(w *writer) error {
	putSubscriptions(w, m.Subscriptions)
	return nil
}

func decodeMultiParamSubscribe(h Header, r *reader) (Message, error) {
	m := &MultiParamSubscribe{Header: h, Subscriptions: readSubscriptions(r)}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// ParamSubscribePercent has the same payload as MultiParamSubscribe but
// values are delivered as ParamSetPercent.
type ParamSubscribePercent struct {
	Header
	Subscriptions []SubscriptionEntry
}

func NewParamSubscribePercent(h Header, subs ...SubscriptionEntry) *ParamSubscribePercent {
	return &ParamSubscribePercent{Header: h, Subscriptions: subs}
}

func (m *ParamSubscribePercent) putPayload(w *writer) error {
	putSubscriptions(w, m.Subscriptions)
	return nil
}

func decodeParamSubscribePercent(h Header, r *reader) (Message, error) {
	m := &ParamSubscribePercent{Header: h, Subscriptions: readSubscriptions(r)}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

type UnsubscribeEntry struct {
	ParamID     uint16
	DestParamID uint16
}

type MultiParamUnsubscribe struct {
	Header
	Dest    Address
	Entries []UnsubscribeEntry
}

func NewMultiParamUnsubscribe(h Header, dest Address, entries ...UnsubscribeEntry) *MultiParamUnsubscribe {
	return &MultiParamUnsubscribe{Header: h, Dest: dest, Entries: entries}
}

func (m *MultiParamUnsubscribe) putPayload(w *writer) error {
	m.Dest.put(w)
	w.u16(uint16(len(m.Entries)))
	for _, e := range m.Entries {
		w.u16(e.ParamID)
		w.u16(e.DestParamID)
	}
	return nil
}

func decodeMultiParamUnsubscribe(h Header, r *reader) (Message, error) {
	m := &MultiParamUnsubscribe{Header: h, Dest: readAddress(r)}

	count := int(r.u16())
	if r.remaining() < count*4 {
		return nil, decodeErr("MultiParamUnsubscribe claims %d entries but only %d bytes remain", count, r.remaining())
	}

	for i := 0; i < count; i++ {
		m.Entries = append(m.Entries, UnsubscribeEntry{ParamID: r.u16(), DestParamID: r.u16()})
	}

	return m, r.err
}

// recallVenue is the only recall type we send
const recallVenue = 5

// Recall recalls a venue preset (scene)
type Recall struct {
	Header
	Scene uint16
}

func NewRecall(h Header, scene uint16) *Recall {
	return &Recall{Header: h, Scene: scene}
}

func (m *Recall) putPayload(w *writer) error {
	w.u8(recallVenue)
	w.u16(m.Scene)
	// workgroup path: a 2 byte, null only, string
	w.u16(2)
	w.u16(0)
	// scope, unused
	w.u8(0)
	return nil
}

func decodeRecall(h Header, r *reader) (Message, error) {
	if kind := r.u8(); r.err == nil && kind != recallVenue {
		return nil, decodeErr("unsupported recall type %d", kind)
	}

	m := &Recall{Header: h, Scene: r.u16()}
	r.block()
	r.u8()

	return m, r.err
}

func (m *DiscoInfo) GetHeader() *Header             { return &m.Header }
func (m *GetNetworkInfo) GetHeader() *Header        { return &m.Header }
func (m *Hello) GetHeader() *Header                 { return &m.Header }
func (m *Goodbye) GetHeader() *Header               { return &m.Header }
func (m *MultiParamSet) GetHeader() *Header         { return &m.Header }
func (m *MultiObjectParamSet) GetHeader() *Header   { return &m.Header }
func (m *ParamSetPercent) GetHeader() *Header       { return &m.Header }
func (m *MultiParamGet) GetHeader() *Header         { return &m.Header }
func (m *GetAttributes) GetHeader() *Header         { return &m.Header }
func (m *GetAttributesReply) GetHeader() *Header    { return &m.Header }
func (m *MultiParamSubscribe) GetHeader() *Header   { return &m.Header }
func (m *ParamSubscribePercent) GetHeader() *Header { return &m.Header }
func (m *MultiParamUnsubscribe) GetHeader() *Header { return &m.Header }
func (m *Recall) GetHeader() *Header                { return &m.Header }

func (m *DiscoInfo) GetMessageID() MessageID             { return IDDiscoInfo }
func (m *GetNetworkInfo) GetMessageID() MessageID        { return IDGetNetworkInfo }
func (m *Hello) GetMessageID() MessageID                 { return IDHello }
func (m *Goodbye) GetMessageID() MessageID               { return IDGoodbye }
func (m *MultiParamSet) GetMessageID() MessageID         { return IDMultiParamSet }
func (m *MultiObjectParamSet) GetMessageID() MessageID   { return IDMultiObjectParamSet }
func (m *ParamSetPercent) GetMessageID() MessageID       { return IDParamSetPercent }
func (m *MultiParamGet) GetMessageID() MessageID         { return IDMultiParamGet }
func (m *GetAttributes) GetMessageID() MessageID         { return IDGetAttributes }
func (m *GetAttributesReply) GetMessageID() MessageID    { return IDGetAttributes }
func (m *MultiParamSubscribe) GetMessageID() MessageID   { return IDMultiParamSubscribe }
func (m *ParamSubscribePercent) GetMessageID() MessageID { return IDParamSubscribePercent }
func (m *MultiParamUnsubscribe) GetMessageID() MessageID { return IDMultiParamUnsubscribe }
func (m *Recall) GetMessageID() MessageID                { return IDRecall }

var _ Message = (*DiscoInfo)(nil)
var _ Message = (*GetNetworkInfo)(nil)
var _ Message = (*Hello)(nil)
var _ Message = (*Goodbye)(nil)
var _ Message = (*MultiParamSet)(nil)
var _ Message = (*MultiObjectParamSet)(nil)
var _ Message = (*ParamSetPercent)(nil)
var _ Message = (*MultiParamGet)(nil)
var _ Message = (*GetAttributes)(nil)
var _ Message = (*GetAttributesReply)(nil)
var _ Message = (*MultiParamSubscribe)(nil)
var _ Message = (*ParamSubscribePercent)(nil)
var _ Message = (*MultiParamUnsubscribe)(nil)
var _ Message = (*Recall)(nil)
