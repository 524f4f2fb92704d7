package gpio

import "testing"

func TestMockDriver_PullUpIdlesHigh(t *testing.T) {
	drv := NewMockDriver()
	if err := drv.SetupPin(17, InputPullUp); err != nil {
		t.Fatalf("SetupPin: %v", err)
	}
	level, err := drv.ReadPin(17)
	if err != nil {
		t.Fatalf("ReadPin: %v", err)
	}
	if level != High {
		t.Errorf("pull-up input level = %v, want HIGH", level)
	}
}

func TestMockDriver_SetInput(t *testing.T) {
	drv := NewMockDriver()
	_ = drv.SetupPin(17, InputPullUp)
	drv.SetInput(17, Low)

	level, _ := drv.ReadPin(17)
	if level != Low {
		t.Errorf("level = %v, want LOW after SetInput", level)
	}
}

func TestMockDriver_WriteThenRead(t *testing.T) {
	drv := NewMockDriver()
	_ = drv.SetupPin(27, Output)
	_ = drv.WritePin(27, High)

	level, _ := drv.ReadPin(27)
	if level != High {
		t.Errorf("level = %v, want HIGH", level)
	}
}

func TestMockDriver_ZeroValueUsable(t *testing.T) {
	var drv MockDriver
	if err := drv.WritePin(5, High); err != nil {
		t.Fatalf("WritePin on zero value: %v", err)
	}
	if level, _ := drv.ReadPin(5); level != High {
		t.Errorf("level = %v, want HIGH", level)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(mock): %v", err)
	}
	if _, ok := drv.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", drv)
	}
}

func TestLevel_String(t *testing.T) {
	if High.String() != "HIGH" || Low.String() != "LOW" {
		t.Errorf("unexpected level strings: %s %s", High, Low)
	}
}
