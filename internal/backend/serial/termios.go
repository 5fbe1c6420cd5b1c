// Package serial is the Linux tty backend: it configures a port with the
// TCGETS2/TCSETS2 termios2 ioctls (the variant that accepts an arbitrary
// BOTHER baud rate rather than being limited to the fixed Bxxx constants),
// then drives non-blocking reads and writes through the dispatcher's
// wait-set exactly like usbfd drives URBs.
package serial

// Bit values below are asm-generic/termbits.h's, independent of any one
// architecture's syscall table. Every termios flag bit this package uses
// is defined here; none is taken from golang.org/x/sys/unix, which
// supplies only the TCGETS2/TCSETS2 ioctl numbers.
const (
	ignbrk = 0000001
	brkint = 0000002
	parmrk = 0000010
	istrip = 0000040
	inlcr  = 0000100
	igncr  = 0000200
	icrnl  = 0000400

	opost = 0000001

	echo    = 0000010
	echonl  = 0000100
	icanon  = 0000002
	isig    = 0000001
	iexten  = 0100000
	csize   = 0000060
	cs8     = 0000060
	parenb  = 0000400
	cstopb  = 0000100
	cread   = 0000200
	clocal  = 0004000
	cbaud   = 0010017
	bother  = 0010000
	ixon    = 0002000
	ixoff   = 0010000
	crtscts = 020000000000 // CRTSCTS, not in termbits' low 16 bits
)

const ncc = 19

const (
	vmin  = 6
	vtime = 5
)

// termios2 mirrors struct termios2 from asm-generic/termbits.h: the
// TCGETS2/TCSETS2 variant that carries explicit input/output speeds
// instead of packing them into Cflag's low bits.
type termios2 struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   uint8
	Cc     [ncc]uint8
	ISpeed uint32
	OSpeed uint32
}

// makeRaw clears every flag that would make the driver interpret or edit
// bytes in flight, matching the canonical MakeRaw transformation: a raw
// port delivers exactly the bytes presented on the wire.
func (t *termios2) makeRaw() {
	t.Iflag &^= (ignbrk | brkint | parmrk | istrip | inlcr | igncr | icrnl | ixon)
	t.Oflag &^= opost
	t.Lflag &^= (echo | echonl | icanon | isig | iexten)
	t.Cflag &^= (csize | parenb)
	t.Cflag |= cs8
	t.Cc[vmin] = 1
	t.Cc[vtime] = 0
}

// setCustomSpeed arms BOTHER with an explicit speed, the termios2
// equivalent of cfsetspeed for baud rates outside the fixed Bxxx table.
func (t *termios2) setCustomSpeed(baud uint32) {
	t.Cflag &^= cbaud
	t.Cflag |= bother
	t.ISpeed = baud
	t.OSpeed = baud
}

func (t *termios2) applyDataBits(bits int) {
	t.Cflag &^= csize
	switch bits {
	case 5:
		t.Cflag |= 0000000
	case 6:
		t.Cflag |= 0000020
	case 7:
		t.Cflag |= 0000040
	default:
		t.Cflag |= cs8
	}
}

func (t *termios2) applyStopBits(bits int) {
	if bits >= 2 {
		t.Cflag |= cstopb
	} else {
		t.Cflag &^= cstopb
	}
}

func (t *termios2) applyParity(p int) {
	const (
		parityNone = iota
		parityOdd
		parityEven
	)
	const parodd = 0001000
	switch p {
	case parityOdd:
		t.Cflag |= parenb | parodd
	case parityEven:
		t.Cflag |= parenb
		t.Cflag &^= parodd
	default:
		t.Cflag &^= (parenb | parodd)
	}
}

func (t *termios2) applyFlowControl(fc int) {
	const (
		flowNone = iota
		flowRTSCTS
		flowXonXoff
	)
	t.Cflag &^= crtscts
	t.Iflag &^= (ixon | ixoff)
	switch fc {
	case flowRTSCTS:
		t.Cflag |= crtscts
	case flowXonXoff:
		t.Iflag |= ixon | ixoff
	}
}
