package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeRawClearsCookedModeFlags(t *testing.T) {
	var t2 termios2
	t2.Iflag = icrnl | ixon | brkint
	t2.Oflag = opost
	t2.Lflag = icanon | isig | echo
	t2.Cflag = parenb

	t2.makeRaw()

	assert.Zero(t, t2.Iflag&(icrnl|ixon|brkint))
	assert.Zero(t, t2.Oflag&opost)
	assert.Zero(t, t2.Lflag&(icanon|isig|echo))
	assert.Equal(t, uint32(cs8), t2.Cflag&csize)
	assert.Equal(t, byte(1), t2.Cc[vmin])
	assert.Equal(t, byte(0), t2.Cc[vtime])
}

func TestSetCustomSpeedArmsBother(t *testing.T) {
	var t2 termios2
	t2.setCustomSpeed(115200)

	assert.NotZero(t, t2.Cflag&bother)
	assert.Zero(t, t2.Cflag&cbaud&^bother)
	assert.Equal(t, uint32(115200), t2.ISpeed)
	assert.Equal(t, uint32(115200), t2.OSpeed)
}

func TestApplyDataBits(t *testing.T) {
	cases := []struct {
		bits int
		want uint32
	}{
		{5, 0000000},
		{6, 0000020},
		{7, 0000040},
		{8, cs8},
		{0, cs8}, // zero value defaults to 8
	}
	for _, c := range cases {
		var t2 termios2
		t2.Cflag = csize // pre-set, must be cleared before the new value is ORed in
		t2.applyDataBits(c.bits)
		assert.Equal(t, c.want, t2.Cflag&csize, "bits=%d", c.bits)
	}
}

func TestApplyStopBits(t *testing.T) {
	var t2 termios2
	t2.applyStopBits(2)
	assert.NotZero(t, t2.Cflag&cstopb)

	t2 = termios2{}
	t2.applyStopBits(1)
	assert.Zero(t, t2.Cflag&cstopb)
}

func TestApplyParity(t *testing.T) {
	const parodd = 0001000

	var t2 termios2
	t2.applyParity(1) // odd
	assert.NotZero(t, t2.Cflag&parenb)
	assert.NotZero(t, t2.Cflag&parodd)

	t2 = termios2{}
	t2.applyParity(2) // even
	assert.NotZero(t, t2.Cflag&parenb)
	assert.Zero(t, t2.Cflag&parodd)

	t2 = termios2{Cflag: parenb | parodd}
	t2.applyParity(0) // none clears both bits
	assert.Zero(t, t2.Cflag&(parenb|parodd))
}

func TestApplyFlowControl(t *testing.T) {
	var t2 termios2
	t2.applyFlowControl(1) // RTS/CTS
	assert.NotZero(t, t2.Cflag&crtscts)

	t2 = termios2{}
	t2.applyFlowControl(2) // Xon/Xoff
	assert.NotZero(t, t2.Iflag&(ixon|ixoff))

	t2 = termios2{Cflag: crtscts, Iflag: ixon | ixoff}
	t2.applyFlowControl(0) // none clears both mechanisms
	assert.Zero(t, t2.Cflag&crtscts)
	assert.Zero(t, t2.Iflag&(ixon|ixoff))
}
