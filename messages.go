package sgx_sp

import (
	proto "github.com/golang/protobuf/proto"
)

// Wire messages of the remote attestation exchange. They are plain protobuf
// messages described by their struct tags; both the stream protocol and the
// gRPC service encode them with proto.Marshal.

type PublicKey struct {
	X []byte `protobuf:"bytes,1,opt,name=x,proto3" json:"x,omitempty"`
	Y []byte `protobuf:"bytes,2,opt,name=y,proto3" json:"y,omitempty"`
}

func (m *PublicKey) Reset()         { *m = PublicKey{} }
func (m *PublicKey) String() string { return proto.CompactTextString(m) }
func (*PublicKey) ProtoMessage()    {}

type Signature struct {
	R []byte `protobuf:"bytes,1,opt,name=r,proto3" json:"r,omitempty"`
	S []byte `protobuf:"bytes,2,opt,name=s,proto3" json:"s,omitempty"`
}

func (m *Signature) Reset()         { *m = Signature{} }
func (m *Signature) String() string { return proto.CompactTextString(m) }
func (*Signature) ProtoMessage()    {}

type Request struct{}

func (m *Request) Reset()         { *m = Request{} }
func (m *Request) String() string { return proto.CompactTextString(m) }
func (*Request) ProtoMessage()    {}

type Challenge struct {
	SessionId uint64 `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	Challenge []byte `protobuf:"bytes,2,opt,name=challenge,proto3" json:"challenge,omitempty"`
}

func (m *Challenge) Reset()         { *m = Challenge{} }
func (m *Challenge) String() string { return proto.CompactTextString(m) }
func (*Challenge) ProtoMessage()    {}

type Msg0 struct {
	SessionId uint64 `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	Exgid     uint32 `protobuf:"varint,2,opt,name=exgid,proto3" json:"exgid,omitempty"`
}

func (m *Msg0) Reset()         { *m = Msg0{} }
func (m *Msg0) String() string { return proto.CompactTextString(m) }
func (*Msg0) ProtoMessage()    {}

type Msg1 struct {
	SessionId uint64     `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	Msg0      *Msg0      `protobuf:"bytes,2,opt,name=msg0,proto3" json:"msg0,omitempty"`
	Ga        *PublicKey `protobuf:"bytes,3,opt,name=ga,proto3" json:"ga,omitempty"`
	Gid       []byte     `protobuf:"bytes,4,opt,name=gid,proto3" json:"gid,omitempty"`
}

func (m *Msg1) Reset()         { *m = Msg1{} }
func (m *Msg1) String() string { return proto.CompactTextString(m) }
func (*Msg1) ProtoMessage()    {}

type A struct {
	Gb        *PublicKey `protobuf:"bytes,1,opt,name=gb,proto3" json:"gb,omitempty"`
	Spid      []byte     `protobuf:"bytes,2,opt,name=spid,proto3" json:"spid,omitempty"`
	QuoteType []byte     `protobuf:"bytes,3,opt,name=quote_type,json=quoteType,proto3" json:"quote_type,omitempty"`
	KdfId     []byte     `protobuf:"bytes,4,opt,name=kdf_id,json=kdfId,proto3" json:"kdf_id,omitempty"`
	Signature *Signature `protobuf:"bytes,5,opt,name=signature,proto3" json:"signature,omitempty"`
}

func (m *A) Reset()         { *m = A{} }
func (m *A) String() string { return proto.CompactTextString(m) }
func (*A) ProtoMessage()    {}

type Msg2 struct {
	SessionId uint64 `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	A         *A     `protobuf:"bytes,2,opt,name=a,proto3" json:"a,omitempty"`
	CmacA     []byte `protobuf:"bytes,3,opt,name=cmac_a,json=cmacA,proto3" json:"cmac_a,omitempty"`
	SigRlSize uint32 `protobuf:"varint,4,opt,name=sig_rl_size,json=sigRlSize,proto3" json:"sig_rl_size,omitempty"`
	SigRl     []byte `protobuf:"bytes,5,opt,name=sig_rl,json=sigRl,proto3" json:"sig_rl,omitempty"`
}

func (m *Msg2) Reset()         { *m = Msg2{} }
func (m *Msg2) String() string { return proto.CompactTextString(m) }
func (*Msg2) ProtoMessage()    {}

type M struct {
	Ga             *PublicKey `protobuf:"bytes,1,opt,name=ga,proto3" json:"ga,omitempty"`
	PsSecurityProp []byte     `protobuf:"bytes,2,opt,name=ps_security_prop,json=psSecurityProp,proto3" json:"ps_security_prop,omitempty"`
	Quote          []byte     `protobuf:"bytes,3,opt,name=quote,proto3" json:"quote,omitempty"`
}

func (m *M) Reset()         { *m = M{} }
func (m *M) String() string { return proto.CompactTextString(m) }
func (*M) ProtoMessage()    {}

type Msg3 struct {
	SessionId uint64 `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	M         *M     `protobuf:"bytes,2,opt,name=m,proto3" json:"m,omitempty"`
	CmacM     []byte `protobuf:"bytes,3,opt,name=cmac_m,json=cmacM,proto3" json:"cmac_m,omitempty"`
}

func (m *Msg3) Reset()         { *m = Msg3{} }
func (m *Msg3) String() string { return proto.CompactTextString(m) }
func (*Msg3) ProtoMessage()    {}

type Msg4 struct {
	SessionId        uint64 `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	EnclaveTrusted   bool   `protobuf:"varint,2,opt,name=enclave_trusted,json=enclaveTrusted,proto3" json:"enclave_trusted,omitempty"`
	PseTrusted       bool   `protobuf:"varint,3,opt,name=pse_trusted,json=pseTrusted,proto3" json:"pse_trusted,omitempty"`
	Pib              []byte `protobuf:"bytes,4,opt,name=pib,proto3" json:"pib,omitempty"`
	Secret           []byte `protobuf:"bytes,5,opt,name=secret,proto3" json:"secret,omitempty"`
	Cmac             []byte `protobuf:"bytes,6,opt,name=cmac,proto3" json:"cmac,omitempty"`
	Verdict          []byte `protobuf:"bytes,7,opt,name=verdict,proto3" json:"verdict,omitempty"`
	VerdictSignature []byte `protobuf:"bytes,8,opt,name=verdict_signature,json=verdictSignature,proto3" json:"verdict_signature,omitempty"`
}

func (m *Msg4) Reset()         { *m = Msg4{} }
func (m *Msg4) String() string { return proto.CompactTextString(m) }
func (*Msg4) ProtoMessage()    {}

// Verdict is the SP's statement about one attestation session. Msg4 carries
// its encoding, optionally signed with the SP's RSA verdict key.
type Verdict struct {
	SessionId      uint64 `protobuf:"varint,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	EnclaveTrusted bool   `protobuf:"varint,2,opt,name=enclave_trusted,json=enclaveTrusted,proto3" json:"enclave_trusted,omitempty"`
	Mrenclave      []byte `protobuf:"bytes,3,opt,name=mrenclave,proto3" json:"mrenclave,omitempty"`
	QuoteSha256    []byte `protobuf:"bytes,4,opt,name=quote_sha256,json=quoteSha256,proto3" json:"quote_sha256,omitempty"`
	IssuedAt       int64  `protobuf:"varint,5,opt,name=issued_at,json=issuedAt,proto3" json:"issued_at,omitempty"`
}

func (m *Verdict) Reset()         { *m = Verdict{} }
func (m *Verdict) String() string { return proto.CompactTextString(m) }
func (*Verdict) ProtoMessage()    {}
